package screenshot

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPNG renders a small gradient so JPEG encoding has real content.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveStepWritesLadder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "device_6100", "open settings"))

	data := testPNG(t, 1920, 1080)
	refs, err := s.SaveStep("task-1", 1, data, StepMeta{Index: 1, Timestamp: time.Now(), Success: true})
	require.NoError(t, err)
	s.Flush()

	assert.Equal(t, filepath.Join("tasks", "task-1", "steps", "step_001_original.png"), refs.Original)
	for _, name := range []string{
		"step_001_original.png",
		"step_001_ai.jpg",
		"step_001_medium.jpg",
		"step_001_small.jpg",
		"step_001_thumb.jpg",
		"step_001.json",
	} {
		_, err := os.Stat(filepath.Join(s.BaseDir(), "tasks", "task-1", "steps", name))
		assert.NoError(t, err, name)
	}
}

func TestSaveStepDeduplicatesIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "", ""))

	data := testPNG(t, 640, 360)
	refs1, err := s.SaveStep("task-1", 1, data, StepMeta{Index: 1})
	require.NoError(t, err)
	refs2, err := s.SaveStep("task-1", 2, data, StepMeta{Index: 2})
	require.NoError(t, err)
	s.Flush()

	// Identical content reuses the first step's files.
	assert.Equal(t, refs1, refs2)
	_, err = os.Stat(filepath.Join(s.BaseDir(), "tasks", "task-1", "steps", "step_002_original.png"))
	assert.True(t, os.IsNotExist(err))

	// But both steps still carry their own metadata.
	metas, err := s.TaskSteps("task-1")
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}

func TestStepImageFallbackLadder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "", ""))
	_, err := s.SaveStep("task-1", 1, testPNG(t, 1920, 1080), StepMeta{Index: 1})
	require.NoError(t, err)
	s.Flush()

	// Requested size exists.
	path, err := s.StepImage("task-1", 1, "medium")
	require.NoError(t, err)
	assert.Contains(t, path, "step_001_medium.jpg")

	// Remove the medium rung: degrade to small.
	require.NoError(t, os.Remove(path))
	path, err = s.StepImage("task-1", 1, "medium")
	require.NoError(t, err)
	assert.Contains(t, path, "step_001_small.jpg")

	// Remove every compressed rung: fall back to the original.
	for _, name := range []string{"step_001_small.jpg", "step_001_thumb.jpg"} {
		_ = os.Remove(filepath.Join(s.BaseDir(), "tasks", "task-1", "steps", name))
	}
	path, err = s.StepImage("task-1", 1, "small")
	require.NoError(t, err)
	assert.Contains(t, path, "step_001_original.png")

	// A step with nothing at all errors.
	_, err = s.StepImage("task-1", 99, "medium")
	assert.Error(t, err)
}

func TestCompleteTaskAndSummary(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "device_6100", "open settings"))
	require.NoError(t, s.CompleteTask(TaskSummary{
		TaskID:      "task-1",
		DeviceID:    "device_6100",
		Status:      "completed",
		Steps:       3,
		CompletedAt: time.Now(),
	}))

	sum, err := s.Summary("task-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", sum.Status)
	assert.Equal(t, 3, sum.Steps)
}

func TestExportArchive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "device_6100", "x"))
	_, err := s.SaveStep("task-1", 1, testPNG(t, 320, 180), StepMeta{Index: 1})
	require.NoError(t, err)
	s.Flush()

	archive, err := s.Export("task-1")
	require.NoError(t, err)
	info, err := os.Stat(archive)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Contains(t, archive, filepath.Join("cache", "task-1"))

	_, err = s.Export("missing-task")
	assert.Error(t, err)
}

func TestAppendAudit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "", ""))
	require.NoError(t, s.AppendAudit("task-1", map[string]any{"index": 1, "success": true}))
	require.NoError(t, s.AppendAudit("task-1", map[string]any{"index": 2, "success": false}))

	data, err := os.ReadFile(filepath.Join(s.BaseDir(), "tasks", "task-1", "steps", "audit.jsonl"))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestDeviceManifest(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitTask("task-1", "device_6100", ""))
	require.NoError(t, s.InitTask("task-2", "device_6100", ""))
	require.NoError(t, s.InitTask("task-1", "device_6100", "")) // no duplicate

	data, err := os.ReadFile(filepath.Join(s.BaseDir(), "devices", "device_6100", "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "task-1")
	assert.Contains(t, string(data), "task-2")
}

func TestScaleToFitPreservesAspect(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	dst := scaleToFit(src, 1280, 720)
	assert.Equal(t, 1280, dst.Bounds().Dx())
	assert.Equal(t, 640, dst.Bounds().Dy())

	// Images already smaller than the target pass through.
	small := image.NewRGBA(image.Rect(0, 0, 100, 50))
	assert.Equal(t, small.Bounds(), scaleToFit(small, 1280, 720).Bounds())
}
