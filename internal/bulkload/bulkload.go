// Package bulkload wraps the external snapshot-copy tool. The orchestrator
// treats the copy as opaque: what matters is the per-table row counts and
// the completion cursor, which must be a position at or before snapshot
// start so the forward stream misses nothing.
package bulkload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/cursor"
)

// Result is the completion signal of a bulk load.
type Result struct {
	RowCounts map[string]int64 `json:"row_counts"`
	Cursor    cursor.Cursor    `json:"-"`
	RawCursor string           `json:"cursor"`
}

// Loader materializes the initial snapshot. Failure is fatal to the run.
type Loader interface {
	Load(ctx context.Context, tables []string) (*Result, error)
}

// Command invokes an external copy tool. The tool receives the table list
// as trailing arguments and must print, as the last line of stdout, a JSON
// object with per-table row counts and the snapshot cursor, e.g.
//
//	{"row_counts":{"public.users":50},"cursor":"log:wal=16/B374D848"}
type Command struct {
	argv   []string
	logger *zap.Logger
}

func NewCommand(argv []string, logger *zap.Logger) *Command {
	return &Command{argv: argv, logger: logger}
}

func (c *Command) Load(ctx context.Context, tables []string) (*Result, error) {
	if len(c.argv) == 0 {
		return nil, fmt.Errorf("bulkload: no loader command configured")
	}
	args := append(append([]string{}, c.argv[1:]...), tables...)
	c.logger.Info("running bulk loader", zap.String("cmd", c.argv[0]), zap.Strings("tables", tables))

	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("bulkload: %s failed: %w (stderr: %s)", c.argv[0], err, stderr.String())
	}

	var res Result
	if err := json.Unmarshal(lastLine(out), &res); err != nil {
		return nil, fmt.Errorf("bulkload: unparseable result: %w", err)
	}
	cur, err := cursor.Parse(res.RawCursor)
	if err != nil {
		return nil, fmt.Errorf("bulkload: completion cursor: %w", err)
	}
	if cur.Space() != cursor.SpaceSourceLog {
		return nil, fmt.Errorf("bulkload: completion cursor %q is not in the source log space", res.RawCursor)
	}
	res.Cursor = cur

	var total int64
	for _, n := range res.RowCounts {
		total += n
	}
	c.logger.Info("bulk load finished",
		zap.Int64("rows", total),
		zap.Int("tables", len(res.RowCounts)),
		zap.String("cursor", res.RawCursor))
	return &res, nil
}

func lastLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) == 0 {
		return nil
	}
	return bytes.TrimSpace(lines[len(lines)-1])
}
