// Package jobfile reads and writes job batch files.
//
// A batch file is YAML (JSON is accepted too) with a top-level `jobs` list:
//
//	jobs:
//	  - prompt: A beautiful sunset over the ocean
//	    task_type: 图片
//	    orientation: 横屏
//	    resolution: 4K
//	    output_dir: sunset
//	  - prompt: A cute cat playing
//	    task_type: text_to_video
//	    aspect_ratio: "9:16"
//
// Task types accept the wire names ("Create Image"), snake case names
// ("create_image") and the Chinese labels used by the desktop spreadsheet.
package jobfile

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Entry is one row of a batch file.
type Entry struct {
	ID                  string   `yaml:"id,omitempty" json:"id,omitempty"`
	Prompt              string   `yaml:"prompt" json:"prompt"`
	TaskType            string   `yaml:"task_type,omitempty" json:"task_type,omitempty"`
	Orientation         string   `yaml:"orientation,omitempty" json:"orientation,omitempty"`
	AspectRatio         string   `yaml:"aspect_ratio,omitempty" json:"aspect_ratio,omitempty"`
	Resolution          string   `yaml:"resolution,omitempty" json:"resolution,omitempty"`
	OutputDir           string   `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
	ReferenceImages     []string `yaml:"reference_images,omitempty" json:"reference_images,omitempty"`
	ReferenceImageFiles []string `yaml:"reference_image_files,omitempty" json:"reference_image_files,omitempty"`
}

// File is a whole batch.
type File struct {
	Jobs []Entry `yaml:"jobs" json:"jobs"`
}

// RowError reports a row that could not be turned into a job. Row is 1-based.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// 桌面版試算表使用的中文標籤
var cjkTaskTypes = map[string]types.TaskType{
	"图片":    types.TaskCreateImage,
	"文生视频":  types.TaskTextToVideo,
	"首尾帧视频": types.TaskFramesToVideo,
	"多图视频":  types.TaskIngredientsToVideo,
}

var snakeTaskTypes = map[string]types.TaskType{
	"create_image":         types.TaskCreateImage,
	"text_to_video":        types.TaskTextToVideo,
	"frames_to_video":      types.TaskFramesToVideo,
	"ingredients_to_video": types.TaskIngredientsToVideo,
	"image":                types.TaskCreateImage,
}

var orientations = map[string]string{
	"横屏":        "16:9",
	"竖屏":        "9:16",
	"landscape": "16:9",
	"portrait":  "9:16",
}

// ParseTaskType resolves a task type label. Empty means Create Image.
func ParseTaskType(s string) (types.TaskType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.TaskCreateImage, nil
	}
	if t := types.TaskType(s); t.Valid() {
		return t, nil
	}
	if t, ok := cjkTaskTypes[s]; ok {
		return t, nil
	}
	if t, ok := snakeTaskTypes[strings.ToLower(s)]; ok {
		return t, nil
	}
	for _, t := range types.TaskTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task type %q", types.ErrInvalidJobSpec, s)
}

// ParseOrientation maps an orientation label to an aspect ratio.
func ParseOrientation(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if ratio, ok := orientations[strings.ToLower(s)]; ok {
		return ratio, nil
	}
	return "", fmt.Errorf("%w: unknown orientation %q", types.ErrInvalidJobSpec, s)
}

// Parse decodes a batch from YAML or JSON.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("parse job file: %w", err)
	}
	return f, nil
}

// Load reads a batch file and converts it; reference image files are
// resolved relative to the batch file's directory.
func Load(path string) ([]types.JobSpec, []RowError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read job file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	specs, rowErrs := f.Specs(filepath.Dir(path))
	return specs, rowErrs, nil
}

// Specs converts every row, skipping rows with an empty prompt.
func (f File) Specs(baseDir string) ([]types.JobSpec, []RowError) {
	var specs []types.JobSpec
	var rowErrs []RowError
	for i, e := range f.Jobs {
		if strings.TrimSpace(e.Prompt) == "" {
			continue
		}
		spec, err := e.Spec(baseDir)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: i + 1, Err: err})
			continue
		}
		specs = append(specs, spec)
	}
	return specs, rowErrs
}

// Spec converts one row and validates it.
func (e Entry) Spec(baseDir string) (types.JobSpec, error) {
	taskType, err := ParseTaskType(e.TaskType)
	if err != nil {
		return types.JobSpec{}, err
	}

	aspect := strings.TrimSpace(e.AspectRatio)
	if aspect == "" {
		if aspect, err = ParseOrientation(e.Orientation); err != nil {
			return types.JobSpec{}, err
		}
	}

	refs := append([]string(nil), e.ReferenceImages...)
	for _, name := range e.ReferenceImageFiles {
		encoded, err := encodeFile(baseDir, name)
		if err != nil {
			return types.JobSpec{}, err
		}
		refs = append(refs, encoded)
	}

	spec := types.JobSpec{
		ID:              types.JobID(strings.TrimSpace(e.ID)),
		Prompt:          strings.TrimSpace(e.Prompt),
		TaskType:        taskType,
		AspectRatio:     aspect,
		Resolution:      strings.TrimSpace(e.Resolution),
		ReferenceImages: refs,
		OutputDir:       strings.TrimSpace(e.OutputDir),
	}
	if err := spec.Validate(); err != nil {
		return types.JobSpec{}, err
	}
	return spec, nil
}

func encodeFile(baseDir, name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reference image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Template is the example batch handed out by `genbroker template`.
func Template() File {
	return File{Jobs: []Entry{
		{Prompt: "A beautiful sunset over the ocean", TaskType: "图片", Orientation: "横屏", Resolution: "4K", OutputDir: "sunset"},
		{Prompt: "A cute cat playing", TaskType: "文生视频", Orientation: "横屏", Resolution: "1080p", OutputDir: "cats"},
		{Prompt: "The flower opens at dawn", TaskType: "首尾帧视频", Orientation: "竖屏", OutputDir: "flowers",
			ReferenceImageFiles: []string{"images/bud.png", "images/bloom.png"}},
	}}
}

// WriteTemplate writes Template as YAML.
func WriteTemplate(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Template()); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	return enc.Close()
}
