package conversation

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromFilename picks the format from the file extension.
func FormatFromFilename(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errors.Errorf("unknown conversation format for %s", filename)
	}
}

// Load decodes a list of messages. Every message must have a valid role.
func Load(r io.Reader, format Format) (Conversation, error) {
	var ret Conversation
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&ret); err != nil {
			return nil, errors.Wrap(err, "could not decode conversation")
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&ret); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "could not decode conversation")
		}
	default:
		return nil, errors.Errorf("unknown conversation format %s", format)
	}

	for i, m := range ret {
		if m == nil || !m.Role.Valid() {
			return nil, errors.Errorf("message %d has no valid role", i)
		}
	}
	if ret == nil {
		ret = Conversation{}
	}
	return ret, nil
}

// LoadFromFile reads messages from a JSON or YAML file.
func LoadFromFile(filename string) (Conversation, error) {
	format, err := FormatFromFilename(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	ret, err := Load(f, format)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load %s", filename)
	}
	return ret, nil
}

// SaveToFile writes the messages as JSON or YAML, depending on the extension.
func (c Conversation) SaveToFile(filename string) error {
	format, err := FormatFromFilename(filename)
	if err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(f)
		encoder.SetIndent("", "  ")
		return encoder.Encode(c)
	default:
		encoder := yaml.NewEncoder(f)
		encoder.SetIndent(2)
		if err := encoder.Encode(c); err != nil {
			return err
		}
		return encoder.Close()
	}
}
