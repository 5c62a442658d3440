package upload

import "io"

// ChunkRequest is one call of the chunked upload protocol.
type ChunkRequest struct {
	// Identity is the client-declared hex sha256 of the whole file.
	Identity string
	Index    int
	Total    int
	Filename string
	// TargetDirectory is an absolute path; RelativePath (folder uploads)
	// contributes its directory part below it.
	TargetDirectory string
	RelativePath    string
	Payload         io.Reader
}

type Status string

const (
	StatusProgress Status = "progress"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Outcome is what a chunk call reports back to the client.
type Outcome struct {
	Status      Status `json:"status"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Path        string `json:"path,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type state int

const (
	receiving state = iota
	completing
	verified
	failed
)

func (s state) String() string {
	switch s {
	case receiving:
		return "receiving"
	case completing:
		return "completing"
	case verified:
		return "verified"
	case failed:
		return "failed"
	default:
		return "unknown"
	}
}
