package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sis-migrate/internal/notes"
)

func newNotesFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test-notes"}
	cmd.Flags().String("file", "", "")
	cmd.Flags().String("column", "Notes", "")
	cmd.Flags().Bool("stats-only", false, "")
	return cmd
}

func TestParseNotesOpts(t *testing.T) {
	opts, err := parseNotesOpts(newNotesFlagsCmd(), []string{"monk 10%"})
	require.NoError(t, err)
	assert.Equal(t, []string{"monk 10%"}, opts.Notes)
	assert.Equal(t, "Notes", opts.Column)

	cmd := newNotesFlagsCmd()
	require.NoError(t, cmd.Flags().Set("file", "receipts.csv"))
	require.NoError(t, cmd.Flags().Set("stats-only", "true"))
	opts, err = parseNotesOpts(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "receipts.csv", opts.File)
	assert.True(t, opts.StatsOnly)
}

func TestParseNotesOpts_Errors(t *testing.T) {
	_, err := parseNotesOpts(newNotesFlagsCmd(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pass notes as arguments")

	cmd := newNotesFlagsCmd()
	require.NoError(t, cmd.Flags().Set("file", "receipts.csv"))
	_, err = parseNotesOpts(cmd, []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")

	cmd = newNotesFlagsCmd()
	require.NoError(t, cmd.Flags().Set("file", "receipts.csv"))
	require.NoError(t, cmd.Flags().Set("column", " "))
	_, err = parseNotesOpts(cmd, nil)
	require.Error(t, err)
}

func TestReadNotesColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.csv")
	data := "ReceiptNo,notes\nR1,Monk discount 20%\nR2\nR3,\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	got, err := readNotesColumn(context.Background(), path, "Notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"Monk discount 20%", "", ""}, got)

	_, err = readNotesColumn(context.Background(), path, "Remarks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "Remarks" not found`)
}

func TestFormatNotes(t *testing.T) {
	p := notes.NewProcessor()
	ns, stats := p.ProcessAll([]string{"", "NULL"})

	var buf bytes.Buffer
	formatNotes(&buf, ns)
	out := buf.String()
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, string(notes.Other))
	assert.Contains(t, out, string(notes.TierRuleBased))

	buf.Reset()
	formatNoteStats(&buf, stats)
	out = buf.String()
	assert.Contains(t, out, "Notes: 2")
	assert.Contains(t, out, "100.0%")
	assert.Contains(t, out, string(notes.TierLLM))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "សិស្ស...", truncate("សិស្សសិស្ស", 8))
}
