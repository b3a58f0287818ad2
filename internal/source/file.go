package source

import (
	"context"
	"os"
	"time"

	"autotrader/internal/models"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// File перечитывает YAML-список на каждом вызове, так что оператор может
// править кандидатов без рестарта.
type File struct {
	path string
	now  func() time.Time
}

func NewFile(path string) *File {
	return &File{path: path, now: time.Now}
}

func (f *File) Opportunities(context.Context) ([]models.Opportunity, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, errors.Wrap(err, "read opportunities file")
	}
	var doc struct {
		Opportunities []models.Opportunity `yaml:"opportunities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.path)
	}
	return normalize(doc.Opportunities, f.now()), nil
}
