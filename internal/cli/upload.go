package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/upload"
)

var uploadFlags struct {
	session string
	name    string
	digest  string
}

func init() {
	uploadCmd.RunE = runUpload
	uploadCmd.Flags().StringVar(&uploadFlags.session, "session", "", "Attribute the upload to this session id")
	uploadCmd.Flags().StringVar(&uploadFlags.name, "name", "", "Original filename to record (defaults to the file's base name)")
	uploadCmd.Flags().StringVar(&uploadFlags.digest, "sha256", "", "Expected digest (sha256:<hex>)")
}

// runUpload runs a local file through the upload pipeline
func runUpload(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogLevel)
	g, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	name := uploadFlags.name
	if name == "" {
		name = filepath.Base(args[0])
	}

	rec, err := g.uploads.Store(cmd.Context(), args[0], name, upload.Options{
		SessionID:      uploadFlags.session,
		ExpectedDigest: uploadFlags.digest,
	})
	var uerr *upload.Error
	if errors.As(err, &uerr) && uerr.Record != nil {
		rec = uerr.Record
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if rec != nil {
			if werr := writeJSON(out, rec); werr != nil {
				return werr
			}
		}
		return err
	}

	if rec != nil {
		fmt.Fprintf(out, "File:         %s\n", rec.OriginalFilename)
		fmt.Fprintf(out, "Status:       %s\n", rec.Status)
		fmt.Fprintf(out, "Stored as:    %s\n", rec.StoragePath)
		fmt.Fprintf(out, "Size:         %s\n", humanize.IBytes(uint64(rec.Size)))
		fmt.Fprintf(out, "Content type: %s\n", rec.ContentType)
		fmt.Fprintf(out, "SHA-256:      %s\n", rec.Hashes.SHA256)
		for _, issue := range rec.Issues {
			fmt.Fprintf(out, "  [!] %s\n", issue)
		}
	}
	if err != nil {
		return fmt.Errorf("upload rejected: %w", err)
	}
	return nil
}
