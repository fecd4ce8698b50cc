package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
)

// WALChannel is the single log channel a Postgres source emits on.
const WALChannel = "wal"

// PostgresConfig describes a logical-replication connection.
type PostgresConfig struct {
	DSN               string
	Slot              string
	Publication       string
	CreatePublication bool
	CreateSlot        bool
}

// Postgres streams committed row mutations from a Postgres logical
// replication slot using the pgoutput plugin.
type Postgres struct {
	cfg        PostgresConfig
	keyColumns map[string][]string // schema-qualified table -> key columns
	logger     *zap.Logger

	relations map[uint32]relation
	pending   []event.Raw
}

type relation struct {
	schema  string
	table   string
	columns []string
}

func NewPostgres(cfg PostgresConfig, keyColumns map[string][]string, logger *zap.Logger) *Postgres {
	return &Postgres{
		cfg:        cfg,
		keyColumns: keyColumns,
		logger:     logger,
		relations:  make(map[uint32]relation),
	}
}

// Run implements Stream. Disconnects resume from the last confirmed
// position rather than aborting; the slot redelivers anything unconfirmed
// and staging dedup absorbs the overlap.
func (p *Postgres) Run(ctx context.Context, from cursor.Cursor, out chan<- event.Raw, confirmed func() cursor.Cursor) error {
	resume := from
	for {
		err := p.stream(ctx, resume, out, confirmed)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cp := confirmed(); !cp.IsZero() {
			resume = cp
		}
		p.logger.Warn("source stream disconnected, resuming",
			zap.String("resume", resume.String()),
			zap.Error(err))
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Postgres) stream(ctx context.Context, from cursor.Cursor, out chan<- event.Raw, confirmed func() cursor.Cursor) error {
	cfg, err := pgconn.ParseConfig(p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("source: parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("source: connect: %w", err)
	}
	defer conn.Close(context.Background())

	if err := p.bootstrap(ctx, conn); err != nil {
		return err
	}

	startLSN := pglogrepl.LSN(from.Channel(WALChannel))
	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", p.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, p.cfg.Slot, startLSN, opts); err != nil {
		return fmt.Errorf("source: start replication: %w", err)
	}
	p.logger.Info("replication started",
		zap.String("slot", p.cfg.Slot),
		zap.String("publication", p.cfg.Publication),
		zap.String("start_lsn", startLSN.String()))

	deadline := time.Now().Add(10 * time.Second)
	for {
		// Acknowledge only what the consumer has durably staged, so the
		// slot keeps everything we could still lose.
		ackLSN := startLSN
		if cp := confirmed(); !cp.IsZero() {
			ackLSN = pglogrepl.LSN(cp.Channel(WALChannel))
		}
		if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn,
			pglogrepl.StandbyStatusUpdate{WALWritePosition: ackLSN}); err != nil {
			return fmt.Errorf("source: standby status: %w", err)
		}

		ctxR, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(ctxR)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				deadline = time.Now().Add(10 * time.Second)
				continue
			}
			return fmt.Errorf("source: receive: %w", err)
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}
		switch copyData.Data[0] {
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("source: parse xlog data: %w", err)
			}
			if err := p.handleMessage(ctx, out, xld.WALData); err != nil {
				return err
			}
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("source: parse keepalive: %w", err)
			}
			if ka.ReplyRequested {
				deadline = time.Now()
			}
		}
	}
}

// bootstrap creates the publication and slot when configured; both warn
// instead of failing when they already exist.
func (p *Postgres) bootstrap(ctx context.Context, conn *pgconn.PgConn) error {
	if p.cfg.Publication != "" && p.cfg.CreatePublication {
		std, err := pgx.Connect(ctx, p.cfg.DSN)
		if err != nil {
			return fmt.Errorf("source: connect for publication: %w", err)
		}
		_, err = std.Exec(ctx, "CREATE PUBLICATION "+p.cfg.Publication+" FOR ALL TABLES")
		std.Close(ctx)
		if err != nil {
			p.logger.Warn("create publication failed (may already exist)",
				zap.String("publication", p.cfg.Publication), zap.Error(err))
		}
	}
	if p.cfg.Slot != "" && p.cfg.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, p.cfg.Slot, "pgoutput",
			pglogrepl.CreateReplicationSlotOptions{})
		if err != nil {
			p.logger.Warn("create slot failed (may already exist)",
				zap.String("slot", p.cfg.Slot), zap.Error(err))
		}
	}
	return nil
}

func (p *Postgres) handleMessage(ctx context.Context, out chan<- event.Raw, walData []byte) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("source: parse logical message: %w", err)
	}
	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rel := relation{
			schema:  msg.Namespace,
			table:   msg.RelationName,
			columns: make([]string, len(msg.Columns)),
		}
		for i, col := range msg.Columns {
			rel.columns[i] = col.Name
		}
		p.relations[msg.RelationID] = rel
	case *pglogrepl.InsertMessage:
		rel := p.relations[msg.RelationID]
		row := tupleToMap(msg.Tuple, rel.columns)
		p.stage(rel, "c", row, row)
	case *pglogrepl.UpdateMessage:
		rel := p.relations[msg.RelationID]
		row := tupleToMap(msg.NewTuple, rel.columns)
		keySource := row
		if old := tupleToMap(msg.OldTuple, rel.columns); old != nil {
			keySource = old
		}
		p.stage(rel, "u", row, keySource)
	case *pglogrepl.DeleteMessage:
		rel := p.relations[msg.RelationID]
		old := tupleToMap(msg.OldTuple, rel.columns)
		p.stage(rel, "d", old, old)
	case *pglogrepl.TruncateMessage:
		// Not applyable; surfaced as unknown so it halts at the applier
		// for operator inspection instead of vanishing.
		for _, relID := range msg.RelationIDs {
			rel := p.relations[relID]
			p.pending = append(p.pending, event.Raw{
				Table:   rel.schema + "." + rel.table,
				Kind:    "truncate",
				Channel: WALChannel,
			})
		}
	case *pglogrepl.CommitMessage:
		seq := uint64(msg.CommitLSN)
		for i := range p.pending {
			p.pending[i].CommitSeq = seq
			if err := emit(ctx, out, p.pending[i]); err != nil {
				return err
			}
		}
		if n := len(p.pending); n > 0 {
			p.logger.Debug("transaction forwarded",
				zap.String("commit_lsn", msg.CommitLSN.String()),
				zap.Int("events", n))
		}
		p.pending = nil
	}
	return nil
}

func (p *Postgres) stage(rel relation, kind string, row, keySource map[string]any) {
	table := rel.schema + "." + rel.table
	p.pending = append(p.pending, event.Raw{
		Table:   table,
		Kind:    kind,
		Key:     p.extractKey(table, keySource),
		Row:     row,
		Channel: WALChannel,
	})
}

func (p *Postgres) extractKey(table string, row map[string]any) []string {
	cols := p.keyColumns[table]
	if row == nil || len(cols) == 0 {
		return nil
	}
	key := make([]string, len(cols))
	for i, c := range cols {
		key[i] = fmt.Sprintf("%v", row[c])
	}
	return key
}

func tupleToMap(tuple *pglogrepl.TupleData, columns []string) map[string]any {
	if tuple == nil {
		return nil
	}
	m := make(map[string]any, len(columns))
	for i, col := range tuple.Columns {
		if i >= len(columns) {
			break
		}
		switch col.DataType {
		case pglogrepl.TupleDataTypeText:
			m[columns[i]] = string(col.Data)
		default:
			// Null and TOASTed-unchanged columns both land as nil.
			m[columns[i]] = nil
		}
	}
	return m
}
