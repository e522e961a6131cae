package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/ctrtools/internal/provision"
	"github.com/fatih/color"
)

type toolJSON struct {
	ID         string   `json:"id"`
	File       string   `json:"file"`
	Path       string   `json:"path,omitempty"`
	Bytes      int64    `json:"bytes"`
	SHA256     string   `json:"sha256,omitempty"`
	ExitCode   int32    `json:"exit_code"`
	Help       []string `json:"help,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type entryJSON struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	Size       int64  `json:"size"`
	Executable bool   `json:"executable"`
}

type reportJSON struct {
	RunID   string      `json:"run_id"`
	Stage   string      `json:"stage"`
	Dir     string      `json:"dir"`
	OK      bool        `json:"ok"`
	Tools   []toolJSON  `json:"tools"`
	Entries []entryJSON `json:"entries"`
}

type statusJSON struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	OnDisk      bool   `json:"on_disk"`
	Recorded    bool   `json:"recorded"`
	Version     string `json:"version,omitempty"`
	Wanted      string `json:"wanted,omitempty"`
	Outdated    bool   `json:"outdated"`
	Modified    bool   `json:"modified"`
	InstalledAt string `json:"installed_at,omitempty"`
}

func applyColor(opts *cliOptions) {
	if opts.noColor || opts.jsonOutput {
		color.NoColor = true
	}
}

func writeJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func entriesJSON(entries []provision.Entry) []entryJSON {
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{Name: e.Name, Mode: e.Mode.String(), Size: e.Size, Executable: e.Executable})
	}
	return out
}

func printReport(w io.Writer, report provision.Report, jsonOutput bool) error {
	if jsonOutput {
		payload := reportJSON{
			RunID:   report.RunID,
			Stage:   string(report.Stage),
			Dir:     report.Dir,
			OK:      len(report.Failed()) == 0,
			Tools:   make([]toolJSON, 0, len(report.Tools)),
			Entries: entriesJSON(report.Entries),
		}
		for _, t := range report.Tools {
			tj := toolJSON{
				ID:         t.ID,
				File:       t.FileName,
				Path:       t.Path,
				Bytes:      t.Bytes,
				SHA256:     t.SHA256,
				ExitCode:   t.ExitCode,
				Help:       t.HelpLines,
				DurationMS: t.Duration.Milliseconds(),
			}
			if t.Err != nil {
				tj.Error = t.Err.Error()
			}
			payload.Tools = append(payload.Tools, tj)
		}
		return writeJSON(w, payload)
	}

	fmt.Fprintf(w, "%s %s -> %s\n", color.CyanString(string(report.Stage)), report.RunID, report.Dir)
	for _, t := range report.Tools {
		if t.Err != nil {
			fmt.Fprintf(w, "[%s] %s: %s\n", color.RedString("✗"), t.ID, t.Err)
			continue
		}
		fmt.Fprintf(w, "[%s] %s (exit=%d, %s, %s)\n",
			color.GreenString("✓"), t.ID, t.ExitCode, humanBytes(t.Bytes), t.Duration.Round(time.Millisecond))
		for _, line := range t.HelpLines {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return printEntries(w, report.Dir, report.Entries, false)
}

func printEntries(w io.Writer, dir string, entries []provision.Entry, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, map[string]any{"dir": dir, "entries": entriesJSON(entries)})
	}
	fmt.Fprintf(w, "%s\n", color.CyanString(dir+":"))
	if len(entries) == 0 {
		fmt.Fprintln(w, "  (empty)")
		return nil
	}
	for _, e := range entries {
		name := e.Name
		if e.Executable {
			name = color.GreenString(name)
		}
		fmt.Fprintf(w, "  %s %10d  %s\n", e.Mode, e.Size, name)
	}
	return nil
}

func printStatus(w io.Writer, statuses []provision.ToolStatus, jsonOutput bool) error {
	if jsonOutput {
		out := make([]statusJSON, 0, len(statuses))
		for _, st := range statuses {
			sj := statusJSON{
				ID:       st.ID,
				Path:     st.Path,
				OnDisk:   st.OnDisk,
				Recorded: st.Recorded,
				Version:  st.Version,
				Wanted:   st.Wanted,
				Outdated: st.Outdated,
				Modified: st.Modified,
			}
			if !st.InstalledAt.IsZero() {
				sj.InstalledAt = st.InstalledAt.Format(time.RFC3339)
			}
			out = append(out, sj)
		}
		return writeJSON(w, map[string]any{"tools": out})
	}

	for _, st := range statuses {
		var notes []string
		switch {
		case !st.OnDisk:
			notes = append(notes, color.RedString("missing"))
		case !st.Recorded:
			notes = append(notes, color.YellowString("unrecorded"))
		default:
			notes = append(notes, color.GreenString("installed"))
		}
		if st.Modified {
			notes = append(notes, color.YellowString("modified"))
		}
		if st.Outdated {
			notes = append(notes, color.YellowString("outdated %s < %s", st.Version, st.Wanted))
		}
		if !st.InstalledAt.IsZero() {
			notes = append(notes, "at "+st.InstalledAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "%-10s %s\n", st.ID, strings.Join(notes, ", "))
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
