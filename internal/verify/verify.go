// Package verify defines the result contract of the external row
// verification tool. The orchestrator only interprets verdicts; it never
// compares rows itself.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// TableReport is the verification outcome for one table. MismatchedKeys is
// a bounded sample; MismatchTotal is the true count even when the sample is
// truncated.
type TableReport struct {
	Table          string   `json:"table"`
	SourceRows     int64    `json:"source_rows"`
	TargetRows     int64    `json:"target_rows"`
	MismatchedKeys []string `json:"mismatched_keys,omitempty"`
	MismatchTotal  int64    `json:"mismatch_total"`
	Pass           bool     `json:"pass"`
}

// Report aggregates per-table verdicts.
type Report struct {
	Tables []TableReport `json:"tables"`
	Pass   bool          `json:"pass"`
	RanAt  time.Time     `json:"ran_at"`
}

// Finalize computes the aggregate verdict from the per-table ones.
func (r *Report) Finalize() {
	r.Pass = true
	for _, t := range r.Tables {
		if !t.Pass {
			r.Pass = false
			return
		}
	}
}

// Verifier compares row sets between the two stores.
type Verifier interface {
	Verify(ctx context.Context, tables []string) (*Report, error)
}

// Command invokes an external diff tool. The tool receives the table list
// as trailing arguments and must print a Report as the last line of its
// stdout.
type Command struct {
	argv   []string
	logger *zap.Logger
}

func NewCommand(argv []string, logger *zap.Logger) *Command {
	return &Command{argv: argv, logger: logger}
}

func (c *Command) Verify(ctx context.Context, tables []string) (*Report, error) {
	if len(c.argv) == 0 {
		return nil, fmt.Errorf("verify: no verifier command configured")
	}
	args := append(append([]string{}, c.argv[1:]...), tables...)
	c.logger.Info("running verifier", zap.String("cmd", c.argv[0]), zap.Strings("tables", tables))

	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("verify: %s failed: %w (stderr: %s)", c.argv[0], err, stderr.String())
	}

	var rep Report
	if err := json.Unmarshal(lastLine(out), &rep); err != nil {
		return nil, fmt.Errorf("verify: unparseable report: %w", err)
	}
	rep.Finalize()
	rep.RanAt = time.Now().UTC()
	c.logger.Info("verification finished",
		zap.Bool("pass", rep.Pass),
		zap.Int("tables", len(rep.Tables)))
	return &rep, nil
}

// lastLine returns the final non-empty line of out; tools are free to log
// progress on earlier stdout lines.
func lastLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) == 0 {
		return nil
	}
	return bytes.TrimSpace(lines[len(lines)-1])
}
