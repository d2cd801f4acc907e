package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// exportAll writes the current snapshot of every known list to the export
// directory as pretty-printed JSON, via a temp file and rename so a crashed
// export never leaves a truncated backup behind.
func (s *Server) exportAll(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.cfg.ExportDir, 0o700); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	lists, err := s.store.Lists(ctx)
	if err != nil {
		return err
	}
	for _, list := range lists {
		snap, err := s.store.GetSnapshot(ctx, list)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encode export for %s: %w", list, err)
		}
		final := filepath.Join(s.cfg.ExportDir, fmt.Sprintf("%s.json", list))
		tmp := final + ".tmp"
		if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
			return fmt.Errorf("write export for %s: %w", list, err)
		}
		if err := s.fs.Rename(tmp, final); err != nil {
			return fmt.Errorf("finalize export for %s: %w", list, err)
		}
		s.logger.Debug("exported snapshot",
			zap.String("list", string(list)), zap.String("file", final))
	}
	return nil
}
