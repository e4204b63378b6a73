package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/container"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/job"
	"github.com/andresmejia3/veil/internal/masking"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
)

func TestMaskFlagsOverrideConfig(t *testing.T) {
	def := config.Default()
	cfg = &def
	t.Cleanup(func() { cfg = nil })

	tests := []struct {
		name    string
		args    []string
		want    pipeline.MaskOptions
		wantErr error
	}{
		{
			name: "config defaults",
			args: nil,
			want: pipeline.MaskOptions{Policy: masking.Policy{Range: masking.RangeNone, Tool: masking.ToolMosaic, Strength: 3}},
		},
		{
			name: "overrides",
			args: []string{"--range", "background", "-t", "blur", "-s", "7", "--watermark", "--log", "/v/a.csv"},
			want: pipeline.MaskOptions{
				Policy:    masking.Policy{Range: masking.RangeBackground, Tool: masking.ToolBlur, Strength: 7},
				Watermark: true,
				LogPath:   "/v/a.csv",
			},
		},
		{
			name: "legacy numeric range",
			args: []string{"-r", "0", "--all"},
			want: pipeline.MaskOptions{Policy: masking.Policy{Range: masking.RangeNone, Tool: masking.ToolMosaic, Strength: 3}, AllMasking: true},
		},
		{name: "bad range", args: []string{"--range", "sideways"}, wantErr: failure.ErrConfig},
		{name: "bad tool", args: []string{"--tool", "paint"}, wantErr: failure.ErrConfig},
		{name: "negative strength", args: []string{"--strength", "-1"}, wantErr: failure.ErrConfig},
		{name: "strength above maximum", args: []string{"--strength", "1001"}, wantErr: failure.ErrConfig},
		{name: "overflowing strength", args: []string{"--strength", "4611686018427387904"}, wantErr: failure.ErrConfig},
		{name: "maximum strength", args: []string{"-s", "1000"}, want: pipeline.MaskOptions{Policy: masking.Policy{Range: masking.RangeNone, Tool: masking.ToolMosaic, Strength: masking.MaxStrength}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f maskFlags
			c := &cobra.Command{Use: "x"}
			f.register(c, true)
			require.NoError(t, c.Flags().Parse(tt.args))

			got, err := f.options(c)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveKey(t *testing.T) {
	hexKey := hex.EncodeToString([]byte("0123456789abcdef"))

	key, err := resolveKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), key)

	t.Setenv(keyEnv, hexKey)
	key, err = resolveKey("")
	require.NoError(t, err)
	assert.Len(t, key, 16)

	_, err = resolveKey("abcd")
	assert.ErrorIs(t, err, failure.ErrConfig)

	t.Setenv(keyEnv, "")
	_, err = resolveKey("")
	assert.ErrorIs(t, err, failure.ErrConfig)
}

func TestLineRendererPrintsPhaseChangesAndSteps(t *testing.T) {
	var buf bytes.Buffer
	render := newLineRenderer(&buf, "Export")
	for _, v := range []pipeline.View{
		{Phase: "mask", Progress: 1, Status: job.StatusRunning},
		{Phase: "mask", Progress: 5, Status: job.StatusRunning},
		{Phase: "mask", Progress: 12, Status: job.StatusRunning},
		{Phase: "watermark", Progress: 20, Status: job.StatusRunning},
		{Phase: "done", Progress: 100, Status: job.StatusCompleted},
	} {
		render(v)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], "100.00%")
	assert.Contains(t, lines[3], "completed")
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"1"}, {"2", "x"}}, []columnAlignment{alignRight})
	assert.Contains(t, out, "A")
	assert.Contains(t, out, "x")
	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestClearDirKeepsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.veil"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	clearDir(dir)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// cliEnv points the CLI at a throwaway config with a SQLite ledger.
type cliEnv struct {
	root, outDir, ledgerPath string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	root := t.TempDir()
	env := cliEnv{
		root:       root,
		outDir:     filepath.Join(root, "out"),
		ledgerPath: filepath.Join(root, "ledger.db"),
	}
	doc := fmt.Sprintf("[paths]\noutput_dir = %q\nlog_dir = %q\n\n[ledger]\ndsn = %q\n",
		env.outDir, filepath.Join(root, "logs"), env.ledgerPath)
	cfgFile := filepath.Join(root, "config.toml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(doc), 0o644))
	t.Setenv("POSTGRES_HOST", "")
	cfgPath = cfgFile
	t.Cleanup(func() { cfgPath = "" })
	return env
}

func runCLI(args ...string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	shutdown()
	return err
}

// seedDeliverable writes a real container and records it in the ledger.
func (e cliEnv) seedDeliverable(t *testing.T) (string, string) {
	t.Helper()
	src := filepath.Join(e.root, "clip_masked.mp4")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("frame"), 1000), 0o644))
	codec, err := container.NewCodec(container.NewGCM(container.SelectStrategy()), container.DefaultTagLength, container.DefaultChunkSize)
	require.NoError(t, err)
	dst := filepath.Join(e.outDir, "clip.veil")
	require.NoError(t, codec.EncodeFile(context.Background(), src, dst, []byte("0123456789abcdef"),
		&container.Metadata{PlayDate: "2026-11-16", PlayCount: 99}, nil))
	hash, err := utils.HashFile(dst)
	require.NoError(t, err)

	l, err := store.NewSQLite(context.Background(), e.ledgerPath)
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Insert(context.Background(), store.Record{
		FileHash:        hash,
		OriginalName:    "clip.mp4",
		MaskedName:      "clip_masked.mp4",
		MaskingStatus:   store.StatusSuccess,
		EncryptedName:   "clip.veil",
		EncryptedStatus: store.StatusSuccess,
		PlayDate:        time.Date(2026, 11, 16, 0, 0, 0, 0, time.UTC),
		PlayCount:       99,
	})
	require.NoError(t, err)
	return dst, hash
}

func (e cliEnv) record(t *testing.T, hash string) (store.Record, error) {
	t.Helper()
	l, err := store.NewSQLite(context.Background(), e.ledgerPath)
	require.NoError(t, err)
	defer l.Close()
	return l.Get(context.Background(), hash)
}

func TestLedgerCommands(t *testing.T) {
	env := newCLIEnv(t)
	path, hash := env.seedDeliverable(t)

	require.NoError(t, runCLI("inspect", path))
	require.NoError(t, runCLI("ledger", "list"))

	require.NoError(t, runCLI("grant", hash, "--days", "5", "--count", "3"))
	rec, err := env.record(t, hash)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.PlayCount)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 5), rec.PlayDate, 24*time.Hour)

	assert.Error(t, runCLI("grant", strings.Repeat("0", 64), "--days", "1", "--count", "1"))

	require.NoError(t, runCLI("reset", "--ledger", "--yes"))
	_, err = env.record(t, hash)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecryptRejectsMissingKey(t *testing.T) {
	env := newCLIEnv(t)
	path, _ := env.seedDeliverable(t)
	t.Setenv(keyEnv, "")
	decryptKey = ""
	err := runCLI("decrypt", "-i", path)
	assert.ErrorIs(t, err, failure.ErrConfig)
}

func TestDecryptCommandWritesPlaintext(t *testing.T) {
	env := newCLIEnv(t)
	path, _ := env.seedDeliverable(t)
	out := filepath.Join(env.root, "plain.mp4")
	require.NoError(t, runCLI("decrypt", "-i", path, "-o", out, "-k", hex.EncodeToString([]byte("0123456789abcdef"))))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("frame"), 1000), data)
}

// captureStderr returns what fn writes to os.Stderr.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()
	fn()
	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestReportErrorUsesErrorBox(t *testing.T) {
	out := captureStderr(t, func() {
		reportError(failure.Wrap(failure.ErrConfig, "key", "pass --key or set "+keyEnv, nil))
	})
	assert.Contains(t, out, "VEIL ERROR: Command failed")
	assert.Contains(t, out, "DETAILS:")
	assert.Contains(t, out, keyEnv)
}

func TestReportErrorSkipsErrorsAlreadyShown(t *testing.T) {
	var err error
	first := captureStderr(t, func() {
		err = showError("Ledger lookup failed", store.ErrNotFound)
	})
	assert.Contains(t, first, "Ledger lookup failed")
	assert.ErrorIs(t, err, store.ErrNotFound)

	wrapped := fmt.Errorf("grant: %w", err)
	assert.Empty(t, captureStderr(t, func() { reportError(wrapped) }))
}
