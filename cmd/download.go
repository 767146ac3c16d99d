package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/export"
	"github.com/joescharf/apex/internal/output"
)

var (
	downloadOut     string
	downloadLocal   bool
	downloadExtract string
)

var downloadCmd = &cobra.Command{
	Use:   "download <build-id>",
	Short: "Download a build's generated files",
	Long: `Download the zip archive of a build's files from the backend.

With --local, the archive is assembled from the cached snapshot instead,
which works offline. With --extract, the files are written into a
directory rather than a zip.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return downloadRun(cmd, args[0])
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOut, "output", "o", "", "Zip file to write (default <build-id>.zip)")
	downloadCmd.Flags().BoolVar(&downloadLocal, "local", false, "Build the archive from the cached snapshot")
	downloadCmd.Flags().StringVar(&downloadExtract, "extract", "", "Write files into this directory instead of a zip")
	rootCmd.AddCommand(downloadCmd)
}

func downloadRun(cmd *cobra.Command, id string) error {
	ctx := commandContext(cmd)

	if downloadExtract != "" {
		b, err := loadBuild(ctx, id, !downloadLocal)
		if err != nil {
			return err
		}
		if len(b.Files) == 0 {
			return fmt.Errorf("build %s has no files", id)
		}
		if dryRun {
			ui.DryRunMsg("Would write %d files to %s", len(b.Files), downloadExtract)
			return nil
		}
		n, err := export.WriteDir(downloadExtract, b.Files)
		if err != nil {
			return err
		}
		ui.Success("Wrote %d files to %s", n, output.Cyan(downloadExtract))
		return nil
	}

	path := downloadOut
	if path == "" {
		path = id + ".zip"
	}
	if dryRun {
		ui.DryRunMsg("Would write archive of %s to %s", id, path)
		return nil
	}

	if downloadLocal {
		b, err := loadBuild(ctx, id, false)
		if err != nil {
			return err
		}
		if len(b.Files) == 0 {
			return fmt.Errorf("build %s has no files", id)
		}
		modified := b.UpdatedAt
		if modified.IsZero() {
			modified = time.Now()
		}
		return writeArchive(path, func(w io.Writer) (int64, error) {
			n, err := export.WriteZip(w, b.Files, modified)
			return int64(n), err
		}, "files")
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	return writeArchive(path, func(w io.Writer) (int64, error) {
		return c.Download(ctx, id, w)
	}, "bytes")
}

// writeArchive writes through a temp file next to path and renames it into
// place once write succeeds.
func writeArchive(path string, write func(io.Writer) (int64, error), unit string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".apex-download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, werr := write(tmp)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	if unit == "bytes" {
		ui.Success("Saved %s (%s)", output.Cyan(path), formatBytes(n))
	} else {
		ui.Success("Saved %s (%d %s)", output.Cyan(path), n, unit)
	}
	return nil
}
