package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/imageguard/internal/redact"
)

const (
	defaultIntraThreads = 2
	defaultInterThreads = 1
)

// ONNXOptions configures a local ONNX image classifier.
type ONNXOptions struct {
	// Dir holds config.json, preprocessor_config.json and the model file.
	Dir string
	// OnnxFile is relative to Dir.
	OnnxFile          string
	SharedLibraryPath string
	IntraThreads      int
	InterThreads      int
	PoolSize          int
	UseCUDA           bool
	TopK              int
}

// ONNX runs an image-classification model through onnxruntime. A pool of
// sessions allows PoolSize concurrent Classify calls.
type ONNX struct {
	name       string
	modelPath  string
	labels     []string
	pre        Preprocessor
	topK       int
	device     string
	inputName  string
	outputName string

	sessions chan *onnxSession
	poolSize int
	created  int
	closed   atomic.Bool
	once     sync.Once
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// InitRuntime points onnxruntime at its shared library and initializes the
// environment once per process.
func InitRuntime(libPath, searchDir string) error {
	if ort.IsInitialized() {
		return nil
	}
	if strings.TrimSpace(libPath) == "" {
		libPath = resolveSharedLibraryPath(searchDir)
	}
	if libPath == "" {
		return fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the onnxruntime environment.
func ShutdownRuntime() {
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

// NewONNX loads the model in opts.Dir and builds its session pool.
func NewONNX(name string, opts ONNXOptions) (*ONNX, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("model dir is empty")
	}
	if err := InitRuntime(opts.SharedLibraryPath, opts.Dir); err != nil {
		return nil, err
	}

	modelPath := resolveModelPath(opts.Dir, opts.OnnxFile)
	if modelPath == "" {
		return nil, fmt.Errorf("model file missing under %s", opts.Dir)
	}

	labels, err := loadLabels(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	pre, err := LoadPreprocessor(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("load preprocessor: %w", err)
	}

	inputName, outputName, numLabels, err := selectIO(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if numLabels <= 0 {
		numLabels = len(labels)
	}
	if numLabels <= 0 {
		return nil, errors.New("model has no labels")
	}
	if len(labels) < numLabels {
		for i := len(labels); i < numLabels; i++ {
			labels = append(labels, "LABEL_"+strconv.Itoa(i))
		}
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	intraThr := opts.IntraThreads
	if intraThr <= 0 {
		intraThr = defaultIntraThreads
	}
	interThr := opts.InterThreads
	if interThr <= 0 {
		interThr = defaultInterThreads
	}

	m := &ONNX{
		name:       name,
		modelPath:  modelPath,
		labels:     labels[:numLabels],
		pre:        pre,
		topK:       opts.TopK,
		device:     "cpu",
		inputName:  inputName,
		outputName: outputName,
		sessions:   make(chan *onnxSession, poolSize),
		poolSize:   poolSize,
	}
	for i := 0; i < poolSize; i++ {
		ss, device, err := newONNXSession(modelPath, inputName, outputName, pre, numLabels, intraThr, interThr, opts.UseCUDA)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%s create onnx session %d/%d: %w", name, i+1, poolSize, err)
		}
		m.device = device
		m.created++
		m.sessions <- ss
	}

	redact.Logf("imageguard classifier: loaded %s model=%s labels=%d input=%dx%d device=%s pool=%d",
		name, filepath.Base(modelPath), numLabels, pre.Width, pre.Height, m.device, poolSize)
	return m, nil
}

func (m *ONNX) Name() string { return m.name }

// Device reports the execution provider the sessions ended up on.
func (m *ONNX) Device() string { return m.device }

// Labels returns the model's class labels in output order.
func (m *ONNX) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}

func (m *ONNX) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if m == nil || m.sessions == nil || m.closed.Load() {
		return nil, ErrUnavailable
	}
	if img == nil {
		return nil, errors.New("image is nil")
	}

	var ss *onnxSession
	select {
	case ss = <-m.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { m.sessions <- ss }()

	if err := m.pre.Fill(img, ss.input.GetData()); err != nil {
		return nil, err
	}
	if err := ss.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	raw := ss.output.GetData()
	if len(raw) < len(m.labels) {
		return nil, fmt.Errorf("onnx output has %d values, want %d", len(raw), len(m.labels))
	}
	probs := softmax(raw[:len(m.labels)])
	preds := make([]Prediction, len(probs))
	for i, p := range probs {
		preds[i] = Prediction{Label: m.labels[i], Score: float64(p)}
	}
	SortPredictions(preds)
	return TopK(preds, m.topK), nil
}

// Close destroys every pooled session. It waits for in-flight calls to
// return their session.
func (m *ONNX) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		m.closed.Store(true)
		for i := 0; i < m.created; i++ {
			ss := <-m.sessions
			ss.destroy()
		}
	})
}

func (s *onnxSession) destroy() {
	if s == nil {
		return
	}
	if s.session != nil {
		_ = s.session.Destroy()
	}
	if s.input != nil {
		_ = s.input.Destroy()
	}
	if s.output != nil {
		_ = s.output.Destroy()
	}
}

func newONNXSession(modelPath, inputName, outputName string, pre Preprocessor, numLabels, intraThr, interThr int, useCUDA bool) (*onnxSession, string, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, "", fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		return nil, "", fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		return nil, "", fmt.Errorf("set inter threads: %w", err)
	}

	device := "cpu"
	if useCUDA {
		if err := appendCUDA(opts); err != nil {
			redact.Warnf("imageguard classifier: cuda unavailable, falling back to cpu: %v", err)
		} else {
			device = "cuda"
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(pre.Height), int64(pre.Width)))
	if err != nil {
		return nil, "", fmt.Errorf("allocate pixel_values tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numLabels)))
	if err != nil {
		_ = input.Destroy()
		return nil, "", fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{input},
		[]ort.Value{output},
		opts,
	)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, "", fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxSession{session: session, input: input, output: output}, device, nil
}

func appendCUDA(opts *ort.SessionOptions) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}

// selectIO finds the image input and the logits output of the model.
func selectIO(modelPath string) (string, string, int, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return "", "", 0, err
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", "", 0, errors.New("model has no inputs or outputs")
	}

	inputName := inputs[0].Name
	for _, in := range inputs {
		if strings.EqualFold(in.Name, "pixel_values") {
			inputName = in.Name
			break
		}
	}

	out := outputs[0]
	for _, o := range outputs {
		if strings.EqualFold(o.Name, "logits") {
			out = o
			break
		}
	}
	numLabels := 0
	if dims := out.Dimensions; len(dims) > 0 && dims[len(dims)-1] > 0 {
		numLabels = int(dims[len(dims)-1])
	}
	return inputName, out.Name, numLabels, nil
}

// resolveModelPath prefers a quantized sibling, then rel, then model.onnx.
func resolveModelPath(dir, rel string) string {
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if rel == "" {
		rel = "model.onnx"
	}
	sub := filepath.Dir(rel)
	candidates := []string{
		filepath.Join(dir, sub, "model_quantized.onnx"),
		filepath.Join(dir, rel),
		filepath.Join(dir, "model.onnx"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// loadLabels reads id2label from config.json, falling back to label_map.json.
func loadLabels(dir string) ([]string, error) {
	if data, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil {
		var cfg struct {
			ID2Label map[string]string `json:"id2label"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		if labels := labelsFromIDMap(cfg.ID2Label); len(labels) > 0 {
			return labels, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "label_map.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var idMap map[string]string
	if err := json.Unmarshal(data, &idMap); err != nil {
		return nil, err
	}
	return labelsFromIDMap(idMap), nil
}

func labelsFromIDMap(id2label map[string]string) []string {
	if len(id2label) == 0 {
		return nil
	}
	maxID := -1
	byID := make(map[int]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 0 {
			continue
		}
		byID[id] = v
		if id > maxID {
			maxID = id
		}
	}
	if maxID < 0 {
		return nil
	}
	labels := make([]string, maxID+1)
	for i := range labels {
		if lbl, ok := byID[i]; ok {
			labels[i] = lbl
		} else {
			labels[i] = "LABEL_" + strconv.Itoa(i)
		}
	}
	return labels
}

func softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	out := make([]float32, len(logits))
	for i, v := range logits {
		exp := math.Exp(float64(v - maxVal))
		out[i] = float32(exp)
		sum += exp
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// resolveSharedLibraryPath attempts to locate a platform-specific onnxruntime shared library.
// If ONNXRUNTIME_SHARED_LIBRARY_PATH is set, it wins; otherwise we probe common names/locations.
func resolveSharedLibraryPath(searchDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{".", "/opt/homebrew/lib", "/usr/local/lib", "/usr/lib"}
	if searchDir != "" {
		dirs = append([]string{searchDir, filepath.Join(searchDir, "lib")}, dirs...)
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
