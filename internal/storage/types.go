package storage

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Split types accepted in dataset settings.
const (
	SplitCharacter = "character"
	SplitToken     = "token"
)

// Document sources and indexing states.
const (
	SourceText = "text"
	SourceURL  = "url"

	DocumentPending = "pending"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// ChainConfig describes how a session answers: which model, which prompt and
// which datasets feed retrieval.
type ChainConfig struct {
	Key         string   `json:"key,omitempty"`
	ChainType   string   `json:"chain_type,omitempty"`
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Datasets    []string `json:"datasets,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

// Session is a chat conversation. Its ID doubles as the api_session_id.
type Session struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Chain     ChainConfig `json:"chain"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Message is one turn in a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DatasetSettings controls how documents are split before indexing.
type DatasetSettings struct {
	SplitType    string `json:"split_type" binding:"omitempty,split_type"`
	ChunkSize    int    `json:"chunk_size" binding:"omitempty,gt=0"`
	ChunkOverlap int    `json:"chunk_overlap" binding:"omitempty,gte=0"`
}

// DefaultDatasetSettings returns character splitting with 1000/200.
func DefaultDatasetSettings() DatasetSettings {
	return DatasetSettings{SplitType: SplitCharacter, ChunkSize: 1000, ChunkOverlap: 200}
}

// Dataset is a named group of documents sharing one vector collection.
type Dataset struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Settings      DatasetSettings `json:"settings"`
	DocumentCount int             `json:"document_count"`
	ChunkCount    int             `json:"chunk_count"` // filled from the vector store, not persisted
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Document is a text source inside a dataset.
type Document struct {
	ID         string    `json:"id"`
	DatasetID  string    `json:"dataset_id"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	URL        string    `json:"url,omitempty"`
	Content    string    `json:"-"`
	ChunkCount int       `json:"chunk_count"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalized() Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
