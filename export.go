package farmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// ExportVersion is the current version of the export format.
const ExportVersion = "1.0"

// ExportFilter selects the records written by ExportJSON.
// An empty filter exports every record.
type ExportFilter struct {
	Statuses []SyncStatus
}

func (f ExportFilter) matches(s SyncStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

// ExportRecord is a record with its children in export format.
type ExportRecord struct {
	Record
	Children []Child `json:"children"`
}

// ExportJSON streams records and their children as one JSON document to w.
// Records are written oldest first. Used to hand over registrations from a
// device that cannot sync.
func (s *Store) ExportJSON(ctx context.Context, workspaceID string, filter ExportFilter, w io.Writer) error {
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", st)}
		}
	}

	records, err := s.listRecords(ctx, `ORDER BY seq`)
	if err != nil {
		return err
	}

	selected := records[:0]
	for _, r := range records {
		if filter.matches(r.Status) {
			selected = append(selected, r)
		}
	}

	ids := make([]string, len(selected))
	for i, r := range selected {
		ids[i] = r.TempID
	}
	children, err := s.ChildrenFor(ctx, ids)
	if err != nil {
		return err
	}

	header := fmt.Sprintf(`{"version":%s,"exported_at":%s,"workspace":%s,"records":[`,
		jsonString(ExportVersion),
		jsonString(s.now().UTC().Format(time.RFC3339)),
		jsonString(workspaceID),
	)
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	enc := json.NewEncoder(w)
	for i, r := range selected {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("write separator: %w", err)
			}
		}
		kids := children[r.TempID]
		if kids == nil {
			kids = []Child{}
		}
		if err := enc.Encode(ExportRecord{Record: r, Children: kids}); err != nil {
			return fmt.Errorf("encode record %s: %w", r.TempID, err)
		}
	}

	if _, err := io.WriteString(w, "]}"); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

// jsonString returns a JSON-encoded string.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Backup writes a consistent copy of the database to destPath.
// destPath must not exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return &ValidationError{Field: "destination", Message: fmt.Sprintf("%s already exists", destPath)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("store: backup: %w", err)
	}
	return nil
}
