package history

import (
	"fmt"
	"path/filepath"
)

// ImageSet names the three file slots of one run, following the appliance's
// image<N>.jpg / cartoon<N>.png / labels<N>.txt layout. Numbers wrap at the
// configured maximum, overwriting the oldest files.
type ImageSet struct {
	Dir    string
	Number int
}

func (s ImageSet) ImagePath() string {
	return filepath.Join(s.Dir, fmt.Sprintf("image%d.jpg", s.Number))
}

func (s ImageSet) SketchPath() string {
	return filepath.Join(s.Dir, fmt.Sprintf("cartoon%d.png", s.Number))
}

func (s ImageSet) LabelsPath() string {
	return filepath.Join(s.Dir, fmt.Sprintf("labels%d.txt", s.Number))
}
