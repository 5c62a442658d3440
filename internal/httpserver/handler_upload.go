package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"lanvault/internal/models"
	"lanvault/internal/upload"
)

type uploadResp struct {
	upload.Outcome
	Message string `json:"message"`
}

// uploadChunk accepts one multipart chunk: file, file_hash, chunk_index,
// total_chunks, filename, target_dir and optionally relative_path.
func (s *Server) uploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunk+uploadFormMemory)
	if err := r.ParseMultipartForm(uploadFormMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(w, r, fmt.Errorf("%w: chunk larger than %d bytes", models.ErrInvalid, s.maxChunk))
			return
		}
		s.fail(w, r, fmt.Errorf("%w: bad multipart body", models.ErrInvalid))
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := chunkRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: missing file part", models.ErrInvalid))
		return
	}
	defer file.Close()
	if hdr.Size > s.maxChunk {
		s.fail(w, r, fmt.Errorf("%w: chunk larger than %d bytes", models.ErrInvalid, s.maxChunk))
		return
	}
	req.Payload = file

	out, err := s.uploads.Receive(r.Context(), principal(r), req)
	switch {
	case errors.Is(err, models.ErrIntegrity):
		writeJSON(w, http.StatusUnprocessableEntity, uploadResp{Outcome: out, Message: "File verification failed."})
	case err != nil:
		s.fail(w, r, err)
	case out.Status == upload.StatusVerified:
		writeJSON(w, http.StatusOK, uploadResp{Outcome: out, Message: "File uploaded and verified successfully!"})
	default:
		writeJSON(w, http.StatusOK, uploadResp{
			Outcome: out,
			Message: fmt.Sprintf("Chunk %d/%d uploaded.", out.ChunkIndex+1, out.TotalChunks),
		})
	}
}

func chunkRequest(r *http.Request) (upload.ChunkRequest, error) {
	index, err := formInt(r, "chunk_index")
	if err != nil {
		return upload.ChunkRequest{}, err
	}
	total, err := formInt(r, "total_chunks")
	if err != nil {
		return upload.ChunkRequest{}, err
	}
	return upload.ChunkRequest{
		Identity:        r.FormValue("file_hash"),
		Index:           index,
		Total:           total,
		Filename:        r.FormValue("filename"),
		TargetDirectory: r.FormValue("target_dir"),
		RelativePath:    r.FormValue("relative_path"),
	}, nil
}

func formInt(r *http.Request, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(r.FormValue(key)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalid, key)
	}
	return n, nil
}
