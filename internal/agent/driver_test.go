package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadworks/mayor/pkg/config"
)

func testDriver(t *testing.T, template ...string) *Driver {
	t.Helper()
	return NewDriver(config.AgentConfig{
		CommandTemplate: template,
		WorkDir:         t.TempDir(),
	})
}

func writePrompt(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuildArgsPlaceholders(t *testing.T) {
	d := testDriver(t, "worker", "--dir", "{workdir}", "--prompt", "{prompt_file}")
	args, err := d.buildArgs("/tmp/p.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker", "--dir", d.workDir, "--prompt", "/tmp/p.md"}, args)
}

func TestBuildArgsAppendsPromptWhenNoPlaceholder(t *testing.T) {
	d := testDriver(t, "worker", "--verbose")
	args, err := d.buildArgs("/tmp/p.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"worker", "--verbose", "/tmp/p.md"}, args)
}

func TestBuildArgsEmptyTemplate(t *testing.T) {
	d := testDriver(t)
	_, err := d.buildArgs("/tmp/p.md")
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestStartStreamsMergedOutput(t *testing.T) {
	d := testDriver(t, "sh", "-c", "echo out; echo err >&2; cat {prompt_file}")
	p, err := d.Start(writePrompt(t, "from-prompt"))
	require.NoError(t, err)

	var lines []string
	for line := range p.Lines() {
		lines = append(lines, line)
	}
	code, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, lines, "out")
	assert.Contains(t, lines, "err")
	assert.Contains(t, lines, "from-prompt")
}

func TestStartNonexistentCommand(t *testing.T) {
	d := testDriver(t, "definitely-not-a-real-binary-xyz")
	_, err := d.Start(writePrompt(t, "x"))
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestWaitReportsExitCode(t *testing.T) {
	d := testDriver(t, "sh", "-c", "exit 3")
	p, err := d.Start(writePrompt(t, "x"))
	require.NoError(t, err)
	for range p.Lines() {
	}
	code, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestWaitTimeout(t *testing.T) {
	d := testDriver(t, "sh", "-c", "sleep 10")
	p, err := d.Start(writePrompt(t, "x"))
	require.NoError(t, err)
	defer p.Kill()

	_, err = p.Wait(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestKillStopsWorker(t *testing.T) {
	d := testDriver(t, "sh", "-c", "sleep 60")
	p, err := d.Start(writePrompt(t, "x"))
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	assert.True(t, p.Killed())

	code, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestRSSBytesSelf(t *testing.T) {
	rss, err := RSSBytes(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}

func TestRSSBytesGonePID(t *testing.T) {
	rss, err := RSSBytes(99999999)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rss)
}
