// Package artifacts persists and restores the frozen models a hybrid predictor runs on.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/hybridguard/pkg/classifiers/softmax"
	"github.com/hed1ad/hybridguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
	"github.com/hed1ad/hybridguard/pkg/preprocess/labels"
	"github.com/hed1ad/hybridguard/pkg/preprocess/scaler"
	"github.com/hed1ad/hybridguard/pkg/threshold"
)

// ErrArtifactLoad is returned when any artifact is missing, corrupt or inconsistent.
var ErrArtifactLoad = errors.New("artifact load failure")

// File names inside a bundle directory.
const (
	ManifestFile   = "manifest.yaml"
	ScalerFile     = "scaler.gob"
	LabelsFile     = "labels.gob"
	ClassifierFile = "classifier.gob"
	DetectorFile   = "autoencoder.gob"
	ThresholdFile  = "threshold.txt"
)

// FormatVersion is bumped whenever the on-disk layout changes.
const FormatVersion = 1

// Manifest describes a bundle and pins the hash of every artifact file.
type Manifest struct {
	FormatVersion int               `yaml:"format_version" json:"format_version"`
	ModelVersion  string            `yaml:"model_version" json:"model_version"`
	CreatedAt     time.Time         `yaml:"created_at" json:"created_at"`
	FeatureNames  []string          `yaml:"feature_names" json:"feature_names"`
	Classes       []string          `yaml:"classes" json:"classes"`
	BenignLabel   string            `yaml:"benign_label" json:"benign_label"`
	EncodingDim   int               `yaml:"encoding_dim" json:"encoding_dim"`
	Threshold     float64           `yaml:"threshold" json:"threshold"`
	Sigma         float64           `yaml:"sigma" json:"sigma"`
	Files         map[string]string `yaml:"files" json:"files"` // file name -> sha256 hex
}

// Bundle is the complete set of frozen inference artifacts.
type Bundle struct {
	Scaler     *scaler.StandardScaler
	Labels     *labels.Encoder
	Classifier *softmax.Classifier
	Detector   *autoencoder.Autoencoder
	Threshold  float64
	Manifest   Manifest
}

// Predictor builds a hybrid predictor over the bundle's models.
func (b *Bundle) Predictor(opts ...hybrid.Option) (*hybrid.Predictor, error) {
	return hybrid.New(hybrid.Models{
		Normalizer: b.Scaler,
		Codec:      b.Labels,
		Classifier: b.Classifier,
		Detector:   b.Detector,
		Threshold:  b.Threshold,
	}, opts...)
}

// Save writes the bundle to dir, creating it if needed, and refreshes b.Manifest.
func Save(dir string, b *Bundle) error {
	if err := b.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	blobs := make(map[string][]byte, 5)
	var err error
	if blobs[ScalerFile], err = b.Scaler.Save(); err != nil {
		return fmt.Errorf("encode scaler: %w", err)
	}
	if blobs[LabelsFile], err = b.Labels.Save(); err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	if blobs[ClassifierFile], err = b.Classifier.Save(); err != nil {
		return fmt.Errorf("encode classifier: %w", err)
	}
	if blobs[DetectorFile], err = b.Detector.Save(); err != nil {
		return fmt.Errorf("encode detector: %w", err)
	}
	blobs[ThresholdFile] = []byte(threshold.Format(b.Threshold) + "\n")

	m := b.Manifest
	m.FormatVersion = FormatVersion
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.FeatureNames = b.Scaler.FeatureNames()
	m.Classes = b.Labels.Classes()
	m.BenignLabel = b.Labels.BenignLabel()
	m.EncodingDim = b.Detector.EncodingDim()
	m.Threshold = b.Threshold
	m.Files = make(map[string]string, len(blobs))

	for name, data := range blobs {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
		m.Files[name] = digest(data)
	}

	out, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), out, 0o644); err != nil {
		return err
	}

	b.Manifest = m
	return nil
}

// ReadManifest reads only the manifest of the bundle in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %v", ErrArtifactLoad, err)
	}
	if m.FormatVersion != FormatVersion {
		return m, fmt.Errorf("%w: format version %d, want %d", ErrArtifactLoad, m.FormatVersion, FormatVersion)
	}
	return m, nil
}

// Load reads, verifies and decodes the bundle in dir.
func Load(dir string) (*Bundle, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
		}
		want, ok := m.Files[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s not listed in manifest", ErrArtifactLoad, name)
		}
		if got := digest(data); got != want {
			return nil, fmt.Errorf("%w: %s checksum %s, manifest has %s", ErrArtifactLoad, name, got, want)
		}
		return data, nil
	}

	b := &Bundle{
		Scaler:     scaler.New(),
		Labels:     labels.New(),
		Classifier: softmax.New(),
		Detector:   autoencoder.New(),
		Manifest:   m,
	}

	decoders := []struct {
		file string
		load func([]byte) error
	}{
		{ScalerFile, b.Scaler.Load},
		{LabelsFile, b.Labels.Load},
		{ClassifierFile, b.Classifier.Load},
		{DetectorFile, b.Detector.Load},
		{ThresholdFile, func(data []byte) error {
			t, err := threshold.Parse(string(data))
			b.Threshold = t
			return err
		}},
	}
	for _, d := range decoders {
		data, err := read(d.file)
		if err != nil {
			return nil, err
		}
		if err := d.load(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrArtifactLoad, d.file, err)
		}
	}

	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactLoad, err)
	}
	if b.Threshold != m.Threshold {
		return nil, fmt.Errorf("%w: %s has %v, manifest has %v", ErrArtifactLoad, ThresholdFile, b.Threshold, m.Threshold)
	}
	return b, nil
}

// validate cross-checks the dimensions and class counts of the artifacts.
func (b *Bundle) validate() error {
	if b.Scaler == nil || b.Labels == nil || b.Classifier == nil || b.Detector == nil {
		return errors.New("bundle is missing an artifact")
	}

	d := b.Scaler.Dim()
	if d == 0 {
		return errors.New("scaler is not fitted")
	}
	if got := b.Classifier.Dim(); got != d {
		return fmt.Errorf("classifier expects %d features, scaler has %d", got, d)
	}
	if got := b.Detector.Dim(); got != d {
		return fmt.Errorf("detector expects %d features, scaler has %d", got, d)
	}
	if got, want := b.Classifier.NumClasses(), b.Labels.Len(); got != want {
		return fmt.Errorf("classifier predicts %d classes, codec has %d", got, want)
	}
	if _, err := threshold.Parse(threshold.Format(b.Threshold)); err != nil {
		return err
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
