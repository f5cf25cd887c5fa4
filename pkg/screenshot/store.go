// Package screenshot implements the per-task hierarchical screenshot store:
// original PNG plus a ladder of pre-compressed JPEG sizes, content
// deduplication, device manifests and gzip export.
package screenshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// Size is one rung of the compression ladder.
type Size struct {
	Name    string
	Width   int
	Height  int
	Quality int
}

// Ladder is the fixed set of derived sizes, largest first.
var Ladder = []Size{
	{Name: "ai", Width: 1280, Height: 720, Quality: 85},
	{Name: "medium", Width: 960, Height: 540, Quality: 80},
	{Name: "small", Width: 640, Height: 360, Quality: 75},
	{Name: "thumb", Width: 320, Height: 180, Quality: 70},
}

// StepMeta is the per-step metadata written next to the captures.
type StepMeta struct {
	Index       int               `json:"index"`
	Timestamp   time.Time         `json:"timestamp"`
	Action      map[string]any    `json:"action,omitempty"`
	Thinking    string            `json:"thinking,omitempty"`
	Observation string            `json:"observation,omitempty"`
	Success     bool              `json:"success"`
	KernelMode  string            `json:"kernel_mode,omitempty"`
	Tokens      models.TokenUsage `json:"tokens"`
	Hash        string            `json:"hash,omitempty"`
	ByteSize    int               `json:"byte_size,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
}

// TaskSummary is written at the terminal transition.
type TaskSummary struct {
	TaskID      string    `json:"task_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Instruction string    `json:"instruction,omitempty"`
	Status      string    `json:"status"`
	Steps       int       `json:"steps"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store is the filesystem-backed screenshot store. Compression runs on a
// bounded worker pool; SaveStep does not wait for it to finish, but does wait
// for a free worker slot while all workers are busy.
type Store struct {
	baseDir string
	logger  *slog.Logger

	pool *errgroup.Group

	mu     sync.Mutex
	hashes map[string]map[string]models.ScreenshotRefs // task → content hash → refs
	wg     sync.WaitGroup
}

// NewStore creates the store rooted at baseDir. Worker-pool width defaults
// to the CPU count.
func NewStore(baseDir string) (*Store, error) {
	for _, sub := range []string{"tasks", "devices", "cache"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating screenshot dir: %w", err)
		}
	}
	pool := &errgroup.Group{}
	pool.SetLimit(runtime.NumCPU())
	return &Store{
		baseDir: baseDir,
		logger:  slog.With("component", "screenshot-store"),
		pool:    pool,
		hashes:  make(map[string]map[string]models.ScreenshotRefs),
	}, nil
}

// BaseDir returns the store root.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.baseDir, "tasks", taskID)
}

func (s *Store) stepsDir(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "steps")
}

// InitTask prepares the directory tree for a task and links it into the
// device manifest.
func (s *Store) InitTask(taskID, deviceID, instruction string) error {
	if err := os.MkdirAll(s.stepsDir(taskID), 0o755); err != nil {
		return fmt.Errorf("init task dir: %w", err)
	}
	info := map[string]any{
		"task_id":     taskID,
		"device_id":   deviceID,
		"instruction": instruction,
		"created_at":  time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(s.taskDir(taskID), "task_info.json"), info); err != nil {
		return err
	}
	if deviceID != "" {
		s.updateDeviceManifest(deviceID, taskID)
	}
	return nil
}

// updateDeviceManifest appends the task to devices/<device>/manifest.json.
func (s *Store) updateDeviceManifest(deviceID, taskID string) {
	dir := filepath.Join(s.baseDir, "devices", deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Device manifest dir", "error", err)
		return
	}
	path := filepath.Join(dir, "manifest.json")
	var tasks []string
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &tasks)
	}
	for _, t := range tasks {
		if t == taskID {
			return
		}
	}
	tasks = append(tasks, taskID)
	if err := writeJSONAtomic(path, tasks); err != nil {
		s.logger.Warn("Device manifest write", "error", err)
	}
}

// SaveStep stores the original PNG synchronously (cheap rename) and derives
// the compressed ladder on the worker pool. Identical content within a task
// is deduplicated: the refs of the first occurrence are reused.
// Returns the refs immediately; derived files may lag briefly behind.
func (s *Store) SaveStep(taskID string, stepIndex int, pngData []byte, meta StepMeta) (models.ScreenshotRefs, error) {
	sum := sha256.Sum256(pngData)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	taskHashes, ok := s.hashes[taskID]
	if !ok {
		taskHashes = make(map[string]models.ScreenshotRefs)
		s.hashes[taskID] = taskHashes
	}
	if refs, dup := taskHashes[hash]; dup {
		s.mu.Unlock()
		meta.Hash = hash
		meta.ByteSize = len(pngData)
		meta.Files = refsToFiles(refs)
		s.writeStepMeta(taskID, stepIndex, meta)
		return refs, nil
	}
	s.mu.Unlock()

	prefix := fmt.Sprintf("step_%03d", stepIndex)
	refs := models.ScreenshotRefs{
		Original:  filepath.Join("tasks", taskID, "steps", prefix+"_original.png"),
		AI:        filepath.Join("tasks", taskID, "steps", prefix+"_ai.jpg"),
		Medium:    filepath.Join("tasks", taskID, "steps", prefix+"_medium.jpg"),
		Small:     filepath.Join("tasks", taskID, "steps", prefix+"_small.jpg"),
		Thumbnail: filepath.Join("tasks", taskID, "steps", prefix+"_thumb.jpg"),
	}

	if err := os.MkdirAll(s.stepsDir(taskID), 0o755); err != nil {
		return models.ScreenshotRefs{}, err
	}
	if err := writeFileAtomic(filepath.Join(s.baseDir, refs.Original), pngData); err != nil {
		return models.ScreenshotRefs{}, fmt.Errorf("writing original: %w", err)
	}

	s.mu.Lock()
	taskHashes[hash] = refs
	s.mu.Unlock()

	meta.Hash = hash
	meta.ByteSize = len(pngData)
	meta.Files = refsToFiles(refs)
	s.writeStepMeta(taskID, stepIndex, meta)

	s.wg.Add(1)
	s.pool.Go(func() error {
		defer s.wg.Done()
		if err := s.compressLadder(taskID, prefix, pngData); err != nil {
			s.logger.Warn("Screenshot compression failed", "task_id", taskID, "step", stepIndex, "error", err)
		}
		return nil
	})

	return refs, nil
}

func refsToFiles(refs models.ScreenshotRefs) map[string]string {
	return map[string]string{
		"original":  refs.Original,
		"ai":        refs.AI,
		"medium":    refs.Medium,
		"small":     refs.Small,
		"thumbnail": refs.Thumbnail,
	}
}

func (s *Store) writeStepMeta(taskID string, stepIndex int, meta StepMeta) {
	path := filepath.Join(s.stepsDir(taskID), fmt.Sprintf("step_%03d.json", stepIndex))
	if err := writeJSONAtomic(path, meta); err != nil {
		s.logger.Warn("Step metadata write failed", "task_id", taskID, "step", stepIndex, "error", err)
	}
}

// AppendAudit appends one line to the task's JSONL audit log.
func (s *Store) AppendAudit(taskID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.stepsDir(taskID), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.stepsDir(taskID), "audit.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// compressLadder decodes the PNG once and emits every derived size.
func (s *Store) compressLadder(taskID, prefix string, pngData []byte) error {
	src, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return fmt.Errorf("decoding png: %w", err)
	}
	for _, size := range Ladder {
		dst := scaleToFit(src, size.Width, size.Height)
		path := filepath.Join(s.stepsDir(taskID), fmt.Sprintf("%s_%s.jpg", prefix, size.Name))
		if err := writeJPEGAtomic(path, dst, size.Quality); err != nil {
			return fmt.Errorf("writing %s: %w", size.Name, err)
		}
	}
	return nil
}

// scaleToFit scales src to fit within (maxW, maxH) preserving aspect ratio.
func scaleToFit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src
	}
	scale := float64(maxW) / float64(w)
	if s2 := float64(maxH) / float64(h); s2 < scale {
		scale = s2
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// CompleteTask writes the terminal summary and drops the dedup cache.
func (s *Store) CompleteTask(summary TaskSummary) error {
	s.mu.Lock()
	delete(s.hashes, summary.TaskID)
	s.mu.Unlock()
	return writeJSONAtomic(filepath.Join(s.taskDir(summary.TaskID), "summary.json"), summary)
}

// Flush waits for all in-flight compression work. Used by shutdown and tests.
func (s *Store) Flush() {
	s.wg.Wait()
}

// StepImage returns the best available capture of a step at the requested
// size, degrading to the next smaller size and finally the original when a
// compressed rung is missing.
func (s *Store) StepImage(taskID string, stepIndex int, sizeName string) (string, error) {
	prefix := fmt.Sprintf("step_%03d", stepIndex)
	order := candidateOrder(sizeName)
	for _, name := range order {
		var file string
		if name == "original" {
			file = prefix + "_original.png"
		} else {
			file = fmt.Sprintf("%s_%s.jpg", prefix, name)
		}
		path := filepath.Join(s.stepsDir(taskID), file)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no capture for task %s step %d", taskID, stepIndex)
}

// candidateOrder lists fallbacks: requested size first, then smaller rungs,
// then the original.
func candidateOrder(sizeName string) []string {
	names := make([]string, 0, len(Ladder)+1)
	start := 0
	for i, s := range Ladder {
		if s.Name == sizeName {
			start = i
			break
		}
	}
	for i := start; i < len(Ladder); i++ {
		names = append(names, Ladder[i].Name)
	}
	names = append(names, "original")
	return names
}

// TaskSteps lists the step metadata files for a task in index order.
func (s *Store) TaskSteps(taskID string) ([]StepMeta, error) {
	entries, err := os.ReadDir(s.stepsDir(taskID))
	if err != nil {
		return nil, fmt.Errorf("reading steps dir: %w", err)
	}
	var metas []StepMeta
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" || name == "audit.jsonl" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.stepsDir(taskID), name))
		if err != nil {
			continue
		}
		var meta StepMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Index < metas[j].Index })
	return metas, nil
}

// Summary reads the task's terminal summary.
func (s *Store) Summary(taskID string) (*TaskSummary, error) {
	data, err := os.ReadFile(filepath.Join(s.taskDir(taskID), "summary.json"))
	if err != nil {
		return nil, err
	}
	var sum TaskSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Export packs the whole task directory into a gzip tar archive under
// cache/ and returns its path.
func (s *Store) Export(taskID string) (string, error) {
	root := s.taskDir(taskID)
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("task %s has no screenshot data: %w", taskID, err)
	}
	out := filepath.Join(s.baseDir, "cache", fmt.Sprintf("%s_%d.tar.gz", taskID, time.Now().Unix()))
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.Join(taskID, rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("packing export: %w", err)
	}
	return out, nil
}

// --- small file helpers ---

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeJPEGAtomic(path string, img image.Image, quality int) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
