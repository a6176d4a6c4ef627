package protocol

import (
	"os"

	"github.com/ajitpratap0/nebula-sink/pkg/json"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
)

// ConfiguredStream is one entry of a configured catalog.
type ConfiguredStream struct {
	Stream struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace,omitempty"`
	} `json:"stream"`
	SyncMode            string     `json:"sync_mode,omitempty"`
	DestinationSyncMode string     `json:"destination_sync_mode,omitempty"`
	PrimaryKey          [][]string `json:"primary_key,omitempty"`
}

// Key returns the stream key of the configured stream.
func (s ConfiguredStream) Key() StreamKey {
	return StreamKey{Name: s.Stream.Name, Namespace: s.Stream.Namespace}
}

// Catalog is the set of streams a session is allowed to write.
type Catalog struct {
	Streams []ConfiguredStream `json:"streams"`

	// DefaultNamespace is applied to records that do not declare a namespace.
	DefaultNamespace string `json:"-"`

	index map[StreamKey]int
}

// NewCatalog builds a catalog from configured streams.
func NewCatalog(streams []ConfiguredStream, defaultNamespace string) *Catalog {
	c := &Catalog{Streams: streams, DefaultNamespace: defaultNamespace}
	c.buildIndex()
	return c
}

// LoadCatalog reads a configured catalog JSON file.
func LoadCatalog(path, defaultNamespace string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeFile, "failed to read catalog").
			WithDetail("path", path)
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to parse catalog").
			WithDetail("path", path)
	}
	c.DefaultNamespace = defaultNamespace
	c.buildIndex()
	return &c, nil
}

func (c *Catalog) buildIndex() {
	c.index = make(map[StreamKey]int, len(c.Streams))
	for i, s := range c.Streams {
		key := s.Key()
		if key.Namespace == "" {
			key.Namespace = c.DefaultNamespace
		}
		c.index[key] = i
	}
}

// Contains reports whether key is part of the catalog.
func (c *Catalog) Contains(key StreamKey) bool {
	_, ok := c.index[key]
	return ok
}

// Keys returns the stream keys in catalog order.
func (c *Catalog) Keys() []StreamKey {
	keys := make([]StreamKey, 0, len(c.Streams))
	for _, s := range c.Streams {
		key := s.Key()
		if key.Namespace == "" {
			key.Namespace = c.DefaultNamespace
		}
		keys = append(keys, key)
	}
	return keys
}
