// Package testserver is an in-memory implementation of the transcription backend's
// upload endpoints. It is used by tests only.
package testserver

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// DefaultChunkSize is advised to clients when Options.ChunkSize is zero.
const DefaultChunkSize = 5 * 1024 * 1024

// Envelope codes answered by the backend.
const (
	codeOK              = 200
	codeBadRequest      = 400
	codeNotFound        = 404
	codeConflict        = 409
	codePrecondition    = 412
	codeTooLarge        = 413
	codeUnsupportedType = 415
)

// Options configures a Backend.
type Options struct {
	ChunkSize int64
	// MaxSize is the remaining quota in bytes; zero means unlimited.
	MaxSize int64
	// AllowedTypes are MIME type prefixes, e.g. "audio/". Empty allows everything.
	AllowedTypes []string
	// Token, if set, must be presented as a bearer token.
	Token string
}

// ChunkHook is consulted before a chunk is stored. A non-zero return is sent as the
// envelope code (or HTTP status when >= 500) and the chunk is not stored.
type ChunkHook func(uploadID string, index int) int

// FileRecord is the stored file as returned by complete.
type FileRecord struct {
	FileID   string `json:"fileId"`
	FileTag  int    `json:"fileTag"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
	FileMD5  string `json:"fileMd5"`
	FileAddr string `json:"fileAddr"`
}

type uploadSession struct {
	taskID      string
	fileName    string
	fileType    string
	fileTag     int
	fileSize    int64
	fileMD5     string
	totalChunks int
	chunks      map[int][]byte
}

// Backend serves the upload wire contract from memory.
type Backend struct {
	opts   Options
	router http.Handler

	mu            sync.Mutex
	sessions      map[string]*uploadSession
	files         map[string][]byte
	records       map[string]FileRecord
	chunkHook     ChunkHook
	completeCode  int
	chunkPuts     map[string]map[int]int
	initCalls     int
	checkCalls    int
	completeCalls int
}

// New ...
func New(opts Options) *Backend {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	b := &Backend{
		opts:      opts,
		sessions:  map[string]*uploadSession{},
		files:     map[string][]byte{},
		records:   map[string]FileRecord{},
		chunkPuts: map[string]map[int]int{},
	}
	b.router = b.routes()
	return b
}

// Start serves the backend on a local httptest server. The caller closes it.
func Start(opts Options) (*Backend, *httptest.Server) {
	b := New(opts)
	return b, httptest.NewServer(b)
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.authorize)

	r.Route("/task/{taskID}/files", func(r chi.Router) {
		r.Post("/init-upload", b.handleInitUpload)
		r.Get("/upload/{uploadID}/check", b.handleCheck)
		r.Put("/upload/{uploadID}/chunk", b.handleChunk)
		r.Post("/upload/{uploadID}/complete", b.handleComplete)
		r.Get("/{fileID}/download", b.handleDownload)
	})

	return r
}

// SetChunkHook installs hook; nil removes it.
func (b *Backend) SetChunkHook(hook ChunkHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunkHook = hook
}

// FailComplete makes every complete call answer code. Zero restores normal behaviour.
func (b *Backend) FailComplete(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeCode = code
}

// DiscardChunks drops the stored chunks at indices of uploadID, or all of them when
// indices is empty. The session stays open.
func (b *Backend) DiscardChunks(uploadID string, indices ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[uploadID]
	if !ok {
		return
	}
	if len(indices) == 0 {
		s.chunks = map[int][]byte{}
		return
	}
	for _, index := range indices {
		delete(s.chunks, index)
	}
}

// Chunk returns the stored bytes of the chunk at index of uploadID.
func (b *Backend) Chunk(uploadID string, index int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[uploadID]
	if !ok {
		return nil, false
	}
	data, ok := s.chunks[index]
	return data, ok
}

// ChunkPuts returns how many times the chunk at index of uploadID was received.
func (b *Backend) ChunkPuts(uploadID string, index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunkPuts[uploadID][index]
}

// TotalChunkPuts returns the number of chunk requests received for uploadID.
func (b *Backend) TotalChunkPuts(uploadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.chunkPuts[uploadID] {
		total += n
	}
	return total
}

// StoredChunks returns the number of chunks held for uploadID.
func (b *Backend) StoredChunks(uploadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[uploadID]; ok {
		return len(s.chunks)
	}
	return 0
}

// UploadIDs returns the ids of every session opened so far.
func (b *Backend) UploadIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Calls returns the number of init, check and complete requests received.
func (b *Backend) Calls() (init, check, complete int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls, b.checkCalls, b.completeCalls
}

// File returns the assembled content of a completed file.
func (b *Backend) File(fileID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[fileID]
	return data, ok
}

func (b *Backend) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+b.opts.Token {
			writeEnvelope(w, http.StatusUnauthorized, http.StatusUnauthorized, "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type initUploadRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	FileTag  string `json:"fileTag"`
	FileMD5  string `json:"fileMd5"`
}

func (b *Backend) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.initCalls++
	b.mu.Unlock()

	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusOK, codeBadRequest, err.Error(), nil)
		return
	}
	if req.FileName == "" || req.FileSize <= 0 || len(req.FileMD5) != 32 {
		writeEnvelope(w, http.StatusOK, codeBadRequest, "invalid file metadata", nil)
		return
	}
	if !b.typeAllowed(req.FileType) {
		writeEnvelope(w, http.StatusOK, codeUnsupportedType, fmt.Sprintf("file type %q is not supported", req.FileType), nil)
		return
	}
	if b.opts.MaxSize > 0 && req.FileSize > b.opts.MaxSize {
		writeEnvelope(w, http.StatusOK, codeTooLarge, "quota exceeded", nil)
		return
	}

	tag, _ := strconv.Atoi(req.FileTag)
	totalChunks := int((req.FileSize + b.opts.ChunkSize - 1) / b.opts.ChunkSize)
	id := uuid.NewString()

	b.mu.Lock()
	b.sessions[id] = &uploadSession{
		taskID:      chi.URLParam(r, "taskID"),
		fileName:    req.FileName,
		fileType:    req.FileType,
		fileTag:     tag,
		fileSize:    req.FileSize,
		fileMD5:     req.FileMD5,
		totalChunks: totalChunks,
		chunks:      map[int][]byte{},
	}
	b.mu.Unlock()

	writeEnvelope(w, http.StatusOK, codeOK, "ok", map[string]interface{}{
		"uploadId":     id,
		"chunkSize":    b.opts.ChunkSize,
		"totalChunks":  totalChunks,
		"allowedTypes": strings.Join(b.opts.AllowedTypes, ","),
		"maxSize":      b.opts.MaxSize,
	})
}

func (b *Backend) handleCheck(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkCalls++

	s, ok := b.session(r)
	if !ok {
		writeEnvelope(w, http.StatusOK, codeNotFound, "upload session not found", nil)
		return
	}

	uploaded := make([]int, 0, len(s.chunks))
	for i := 0; i < s.totalChunks; i++ {
		if _, ok := s.chunks[i]; ok {
			uploaded = append(uploaded, i)
		}
	}
	writeEnvelope(w, http.StatusOK, codeOK, "ok", map[string]interface{}{
		"uploadedChunks": uploaded,
		"count":          len(uploaded),
	})
}

func (b *Backend) handleChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	index, err := strconv.Atoi(r.URL.Query().Get("chunkIdx"))

	b.mu.Lock()
	if err == nil {
		if b.chunkPuts[uploadID] == nil {
			b.chunkPuts[uploadID] = map[int]int{}
		}
		b.chunkPuts[uploadID][index]++
	}
	hook := b.chunkHook
	b.mu.Unlock()

	if err != nil {
		writeEnvelope(w, http.StatusOK, codeBadRequest, "invalid chunkIdx", nil)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(w, http.StatusOK, codeBadRequest, err.Error(), nil)
		return
	}

	if hook != nil {
		if code := hook(uploadID, index); code != 0 {
			status := http.StatusOK
			if code >= 500 {
				status = code
			}
			writeEnvelope(w, status, code, "injected failure", nil)
			return
		}
	}

	if digest(data) != r.URL.Query().Get("chunkMd5") {
		writeEnvelope(w, http.StatusOK, codePrecondition, "chunk md5 mismatch", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[uploadID]
	if !ok {
		writeEnvelope(w, http.StatusOK, codeNotFound, "upload session not found", nil)
		return
	}
	if index < 0 || index >= s.totalChunks {
		writeEnvelope(w, http.StatusOK, codeBadRequest, "chunkIdx out of range", nil)
		return
	}
	s.chunks[index] = data

	writeEnvelope(w, http.StatusOK, codeOK, "ok", map[string]string{"chunkIdx": strconv.Itoa(index)})
}

type completeRequest struct {
	FileMD5     string `json:"fileMd5"`
	TotalChunks int    `json:"totalChunks"`
}

func (b *Backend) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	decodeErr := json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeCalls++

	if b.completeCode != 0 {
		writeEnvelope(w, http.StatusOK, b.completeCode, "injected failure", nil)
		return
	}
	if decodeErr != nil {
		writeEnvelope(w, http.StatusOK, codeBadRequest, decodeErr.Error(), nil)
		return
	}

	s, ok := b.session(r)
	if !ok {
		writeEnvelope(w, http.StatusOK, codeNotFound, "upload session not found", nil)
		return
	}
	if req.TotalChunks != s.totalChunks || len(s.chunks) != s.totalChunks {
		writeEnvelope(w, http.StatusOK, codeConflict, fmt.Sprintf("%d of %d chunks uploaded", len(s.chunks), s.totalChunks), nil)
		return
	}

	var assembled bytes.Buffer
	for i := 0; i < s.totalChunks; i++ {
		assembled.Write(s.chunks[i])
	}
	sum := digest(assembled.Bytes())
	if sum != req.FileMD5 || sum != s.fileMD5 || int64(assembled.Len()) != s.fileSize {
		// None of the stored chunks can be trusted; the session stays open for a new pass.
		s.chunks = map[int][]byte{}
		writeEnvelope(w, http.StatusOK, codePrecondition, "file md5 mismatch", nil)
		return
	}

	fileID := uuid.NewString()
	record := FileRecord{
		FileID:   fileID,
		FileTag:  s.fileTag,
		FileName: s.fileName,
		FileType: s.fileType,
		FileSize: s.fileSize,
		FileMD5:  sum,
		FileAddr: fmt.Sprintf("/task/%s/files/%s/download", s.taskID, fileID),
	}
	b.files[fileID] = assembled.Bytes()
	b.records[fileID] = record

	writeEnvelope(w, http.StatusOK, codeOK, "ok", record)
}

func (b *Backend) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")

	b.mu.Lock()
	data, ok := b.files[fileID]
	record := b.records[fileID]
	b.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	name := record.FileName
	if n := r.URL.Query().Get("fileName"); n != "" {
		name = n
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// session must be called with b.mu held.
func (b *Backend) session(r *http.Request) (*uploadSession, bool) {
	s, ok := b.sessions[chi.URLParam(r, "uploadID")]
	if !ok || s.taskID != chi.URLParam(r, "taskID") {
		return nil, false
	}
	return s, true
}

func (b *Backend) typeAllowed(fileType string) bool {
	if len(b.opts.AllowedTypes) == 0 {
		return true
	}
	for _, prefix := range b.opts.AllowedTypes {
		if strings.HasPrefix(fileType, prefix) {
			return true
		}
	}
	return false
}

func digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeEnvelope(w http.ResponseWriter, status, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":  code,
		"msg":   msg,
		"data":  data,
		"reqId": uuid.NewString(),
	})
}
