package vectorstore

import (
	"fmt"
	"strings"
)

// Config holds configuration for vector store providers.
type Config struct {
	// Provider specifies which vector store to use
	// Supported values: "memory", "chromem", "firestore"
	Provider string `yaml:"provider" json:"provider"`

	// EmbeddingDimensions is the size of the embedding vectors
	EmbeddingDimensions int `yaml:"embedding_dimensions" json:"embedding_dimensions"`

	// DefaultTopK is the number of results returned when a query sets none
	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`

	Memory    *MemoryConfig    `yaml:"memory,omitempty" json:"memory,omitempty"`
	Chromem   *ChromemConfig   `yaml:"chromem,omitempty" json:"chromem,omitempty"`
	Firestore *FirestoreConfig `yaml:"firestore,omitempty" json:"firestore,omitempty"`
}

// MemoryConfig contains in-memory store settings.
type MemoryConfig struct {
	// MaxDocuments caps documents per namespace (default: 10000)
	MaxDocuments int `yaml:"max_documents" json:"max_documents"`
}

// ChromemConfig contains chromem-go settings.
type ChromemConfig struct {
	// PersistPath enables on-disk persistence when set
	PersistPath string `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`

	// Compress gzips persisted collections
	Compress bool `yaml:"compress" json:"compress"`
}

// FirestoreConfig contains Google Cloud Firestore settings. The client
// honours FIRESTORE_EMULATOR_HOST.
type FirestoreConfig struct {
	// ProjectID is detected from the environment when empty
	ProjectID string `yaml:"project_id,omitempty" json:"project_id,omitempty"`

	// DatabaseID selects a named database (default: "(default)")
	DatabaseID string `yaml:"database_id,omitempty" json:"database_id,omitempty"`

	// Collection is the root collection holding one document per namespace
	Collection string `yaml:"collection" json:"collection"`

	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// Validate checks if the configuration is valid and fills defaults.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider must be specified")
	}
	if c.EmbeddingDimensions < 1 || c.EmbeddingDimensions > 4096 {
		return fmt.Errorf("embedding_dimensions must be between 1 and 4096, got %d", c.EmbeddingDimensions)
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 5
	}
	if c.DefaultTopK < 1 || c.DefaultTopK > 1000 {
		return fmt.Errorf("default_top_k must be between 1 and 1000, got %d", c.DefaultTopK)
	}

	switch c.Provider {
	case "memory":
		if c.Memory == nil {
			c.Memory = &MemoryConfig{}
		}
		if c.Memory.MaxDocuments < 1 {
			c.Memory.MaxDocuments = 10000
		}
	case "chromem":
		if c.Chromem == nil {
			c.Chromem = &ChromemConfig{}
		}
	case "firestore":
		if c.Firestore == nil {
			c.Firestore = &FirestoreConfig{}
		}
		if c.Firestore.Collection == "" {
			c.Firestore.Collection = "chatengine_vectors"
		}
		if strings.Contains(c.Firestore.Collection, "/") {
			return fmt.Errorf("firestore.collection must be a root collection name, got %q", c.Firestore.Collection)
		}
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	return nil
}
