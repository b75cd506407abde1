package cli

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/session"
)

func init() {
	sessionsLsCmd.RunE = runSessionsLs
	sessionsShowCmd.RunE = runSessionsShow
}

// SessionInfo is a session directory as listed by the sessions command
type SessionInfo struct {
	ID            string    `json:"session_id"`
	Name          string    `json:"name,omitempty"`
	EffectMeasure string    `json:"effect_measure,omitempty"`
	Status        string    `json:"status,omitempty"`
	Files         int       `json:"files"`
	SizeBytes     int64     `json:"size_bytes"`
	ModTime       time.Time `json:"modified"`
}

// runSessionsLs lists every session under the sessions root
func runSessionsLs(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogLevel)

	manager, err := session.NewManager(cfg.SessionsDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open sessions: %w", err)
	}

	entries, err := os.ReadDir(manager.Root())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var infos []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := describeSession(manager, entry.Name())
		if err != nil {
			logger.Debug("skipping directory", slog.String("name", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		infos = append(infos, *info)
	}

	// Most recently modified first
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime.After(infos[j].ModTime)
	})

	out := cmd.OutOrStdout()
	if jsonOutput {
		if infos == nil {
			infos = []SessionInfo{}
		}
		return writeJSON(out, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	var totalSize int64
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tNAME\tMEASURE\tFILES\tSIZE\tLAST USED") //nolint:errcheck // output to stdout
	for _, info := range infos {
		totalSize += info.SizeBytes
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", //nolint:errcheck // output to stdout
			info.ID, orDash(info.Name), orDash(info.EffectMeasure), info.Files,
			humanize.IBytes(uint64(info.SizeBytes)), formatTime(info.ModTime))
	}
	_ = w.Flush() //nolint:errcheck // best effort flush

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Total: %d sessions, %s\n", len(infos), humanize.IBytes(uint64(totalSize)))
	return nil
}

// runSessionsShow prints the metadata and files of one session
func runSessionsShow(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogLevel)

	manager, err := session.NewManager(cfg.SessionsDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open sessions: %w", err)
	}
	info, err := describeSession(manager, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, info)
	}

	sess, err := manager.Resolve(info.ID, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session:  %s\n", info.ID)
	fmt.Fprintf(out, "Path:     %s\n", sess.Path)
	fmt.Fprintf(out, "Name:     %s\n", orDash(info.Name))
	fmt.Fprintf(out, "Measure:  %s\n", orDash(info.EffectMeasure))
	fmt.Fprintf(out, "Status:   %s\n", orDash(info.Status))
	fmt.Fprintf(out, "Modified: %s\n", formatTime(info.ModTime))
	fmt.Fprintln(out)

	for _, sub := range session.Subdirs {
		files, size, _ := dirUsage(sess.Dir(sub))
		fmt.Fprintf(out, "  %-11s %3d files  %s\n", sub+"/", files, humanize.IBytes(uint64(size)))
	}
	return nil
}

func describeSession(manager *session.Manager, id string) (*SessionInfo, error) {
	sess, err := manager.Resolve(id, false)
	if err != nil {
		return nil, err
	}

	info := &SessionInfo{ID: sess.ID, ModTime: sess.CreatedAt}
	if meta, err := manager.Metadata(sess.ID); err == nil {
		info.Name = meta.Name
		info.EffectMeasure = meta.EffectMeasure
		info.Status = meta.Status
	}

	files, size, latest := dirUsage(sess.Path)
	info.Files = files
	info.SizeBytes = size
	if latest.After(info.ModTime) {
		info.ModTime = latest
	}
	return info, nil
}

// dirUsage counts regular files under dir without following symlinks
func dirUsage(dir string) (files int, size int64, latest time.Time) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		size += fi.Size()
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	}) //nolint:errcheck // unreadable entries are skipped
	return files, size, latest
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatTime formats a time for display
func formatTime(t time.Time) string {
	diff := time.Since(t)

	// Less than a minute
	if diff < time.Minute {
		return "just now"
	}

	// Less than a week
	if diff < 7*24*time.Hour {
		return humanize.Time(t)
	}

	// Return formatted date
	return t.Format("2006-01-02")
}
