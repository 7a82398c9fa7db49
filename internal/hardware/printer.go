package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const printTimeout = 15 * time.Second

// LPPrinter submits artifacts to CUPS via lp. Print faults are reported to
// the caller but are non-fatal by pipeline contract.
type LPPrinter struct {
	destination string
	logger      *slog.Logger
}

func NewLPPrinter(destination string, logger *slog.Logger) *LPPrinter {
	return &LPPrinter{destination: destination, logger: logger}
}

func (p *LPPrinter) Print(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, printTimeout)
	defer cancel()

	args := []string{}
	if p.destination != "" {
		args = append(args, "-d", p.destination)
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, "lp", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("lp failed: %w: %s", err, firstLine(output))
	}
	p.logger.Info("print job submitted", "path", path)
	return nil
}

// ProbePrinter reports whether CUPS tooling is installed.
func ProbePrinter() bool {
	_, err := exec.LookPath("lp")
	return err == nil
}
