// Command auditctl inspects and maintains the entitycore audit ledger.
//
// Usage:
//
//	auditctl [-config path] history -ref user#1 [-op UPDATE]
//	auditctl [-config path] forget -record 42
//	auditctl [-config path] archive export|import|show|purge -ref user#1
//	auditctl [-config path] archive list [-type user]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"entitycore/internal/archive"
	"entitycore/internal/config"
	"entitycore/internal/telemetry"
	"entitycore/pkg/domain"
)

var (
	exitFunc   = os.Exit
	loadConfig = func(path string) (*config.Config, error) {
		if path == "" {
			cfg, _, err := config.Load()
			return cfg, err
		}
		cfg, _, err := config.LoadFromPath(path)
		return cfg, err
	}
)

func main() {
	code := cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("auditctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var configPath string
	fs.StringVar(&configPath, "config", "", "path to entitycore.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		_, _ = fmt.Fprintln(stderr, "usage: auditctl [-config path] history|forget|archive ...")
		return 2
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := telemetry.NewLogger(telemetry.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
		Attrs:  []slog.Attr{slog.String("service", "auditctl")},
	})

	err = run(ctx, cfg, logger, rest, stdout, stderr)
	var usage usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usage):
		_, _ = fmt.Fprintln(stderr, usage.Error())
		return 2
	default:
		_, _ = fmt.Fprintf(stderr, "auditctl: %v\n", err)
		return 1
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return "usage: " + e.msg }

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) (err error) {
	backend, err := config.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close backend: %w", cerr)
		}
	}()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "history":
		return history(ctx, backend.Ledger, rest, stdout, stderr)
	case "forget":
		return forget(ctx, backend.Ledger, rest, stdout, stderr)
	case "archive":
		if len(rest) == 0 {
			return usageError{msg: "auditctl archive export|import|show|purge|list ..."}
		}
		store, err := config.OpenBlob(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		archiver := archive.New(backend.Ledger, store, archive.WithLogger(logger))
		return archiveCmd(ctx, archiver, backend.Ledger, rest, stdout, stderr)
	default:
		return usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

func history(ctx context.Context, ledger domain.Ledger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rawRef := fs.String("ref", "", "entity reference, type#id")
	rawOp := fs.String("op", "", "only records of this operation")
	asJSON := fs.Bool("json", false, "print records as JSON lines")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: "auditctl history -ref type#id [-op OP] [-json]"}
	}
	ref, err := parseRef(*rawRef)
	if err != nil {
		return err
	}

	var records []domain.AuditRecord
	if *rawOp == "" {
		records, err = ledger.QueryByEntity(ctx, ref.Type, ref.ID)
	} else {
		op, perr := domain.ParseOperation(*rawOp)
		if perr != nil {
			return usageError{msg: perr.Error()}
		}
		records, err = ledger.QueryByEntityAndOperation(ctx, ref.Type, op, ref.ID)
	}
	if err != nil {
		return fmt.Errorf("history %s: %w", ref, err)
	}
	if *asJSON {
		return writeJSONLines(stdout, records)
	}
	return writeTable(stdout, records)
}

func forget(ctx context.Context, ledger domain.Ledger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("forget", flag.ContinueOnError)
	fs.SetOutput(stderr)
	recordID := fs.Int64("record", 0, "audit record id to tombstone")
	if err := fs.Parse(args); err != nil || *recordID <= 0 {
		return usageError{msg: "auditctl forget -record ID"}
	}
	if err := ledger.SoftDelete(ctx, *recordID); err != nil {
		return fmt.Errorf("forget record %d: %w", *recordID, err)
	}
	_, err := fmt.Fprintf(stdout, "record %d deleted\n", *recordID)
	return err
}

func archiveCmd(ctx context.Context, archiver *archive.Archiver, ledger domain.Ledger, args []string, stdout, stderr io.Writer) error {
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("archive "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	rawRef := fs.String("ref", "", "entity reference, type#id")
	entityType := fs.String("type", "", "entity type filter for list")
	if err := fs.Parse(rest); err != nil {
		return usageError{msg: "auditctl archive " + sub + " -ref type#id"}
	}

	if sub == "list" {
		refs, err := archiver.Archived(ctx, domain.EntityType(*entityType))
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if _, err := fmt.Fprintln(stdout, ref.String()); err != nil {
				return err
			}
		}
		return nil
	}

	ref, err := parseRef(*rawRef)
	if err != nil {
		return err
	}
	switch sub {
	case "export":
		obj, err := archiver.Export(ctx, ref)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "exported %s to %s (%d bytes)\n", ref, obj.Key, obj.Size)
		return err
	case "import":
		n, err := archiver.Import(ctx, ref, ledger)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "imported %d records for %s\n", n, ref)
		return err
	case "show":
		doc, err := archiver.Read(ctx, ref)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "purge":
		if err := archiver.Purge(ctx, ref); err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "purged %s\n", ref)
		return err
	default:
		return usageError{msg: fmt.Sprintf("unknown archive command %q", sub)}
	}
}

// parseRef accepts the type#id form printed by domain.Ref.
func parseRef(raw string) (domain.Ref, error) {
	entityType, rawID, ok := strings.Cut(strings.TrimSpace(raw), "#")
	if !ok || entityType == "" {
		return domain.Ref{}, usageError{msg: fmt.Sprintf("-ref %q: want type#id", raw)}
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return domain.Ref{}, usageError{msg: fmt.Sprintf("-ref %q: invalid id", raw)}
	}
	return domain.Ref{Type: domain.EntityType(entityType), ID: id}, nil
}

func writeTable(w io.Writer, records []domain.AuditRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tOPERATION\tCREATED\tACTOR\tSOURCE\tCHANGES")
	for _, rec := range records {
		actor := "-"
		if rec.ActorID != nil {
			actor = strconv.FormatInt(*rec.ActorID, 10)
		}
		source := "-"
		if rec.Source.IsValid() {
			source = rec.Source.String()
		}
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Operation, rec.CreatedAt.UTC().Format(time.RFC3339), actor, source, payload)
	}
	return tw.Flush()
}

type recordLine struct {
	ID        int64            `json:"id"`
	Entity    string           `json:"entity"`
	Operation domain.Operation `json:"operation"`
	CreatedAt time.Time        `json:"created_at"`
	ActorID   *int64           `json:"actor_id,omitempty"`
	Source    string           `json:"source,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	Changes   domain.Diff      `json:"changes"`
}

func writeJSONLines(w io.Writer, records []domain.AuditRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		line := recordLine{
			ID:        rec.ID,
			Entity:    rec.Ref().String(),
			Operation: rec.Operation,
			CreatedAt: rec.CreatedAt.UTC(),
			ActorID:   rec.ActorID,
			Reason:    rec.Reason,
			TraceID:   rec.TraceID,
			Changes:   rec.Payload,
		}
		if rec.Source.IsValid() {
			line.Source = rec.Source.String()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
