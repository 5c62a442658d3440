package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/webdav"

	"lanvault/internal/accounts"
	"lanvault/internal/auth"
	"lanvault/internal/browse"
	"lanvault/internal/models"
	"lanvault/internal/retrieve"
	"lanvault/internal/upload"
	"lanvault/pkg/httperrors"
)

// uploadFormMemory is how much of a multipart upload is kept in memory
// before spilling to a temp file.
const uploadFormMemory = 8 << 20

func init() {
	// WebDAV verbs have to be known to chi before routes are registered.
	for _, m := range []string{"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK"} {
		chi.RegisterMethod(m)
	}
}

type Options struct {
	Accounts *accounts.Store
	Uploads  *upload.Coordinator
	Browse   *browse.Service
	Retrieve *retrieve.Service
	Log      logrus.FieldLogger

	// MaxChunkBytes caps the payload of one upload call.
	MaxChunkBytes int64
}

type Server struct {
	accounts *accounts.Store
	uploads  *upload.Coordinator
	browse   *browse.Service
	retrieve *retrieve.Service
	log      logrus.FieldLogger

	maxChunk int64
	davLocks webdav.LockSystem
}

func New(opts Options) *Server {
	return &Server{
		accounts: opts.Accounts,
		uploads:  opts.Uploads,
		browse:   opts.Browse,
		retrieve: opts.Retrieve,
		log:      opts.Log,
		maxChunk: opts.MaxChunkBytes,
		davLocks: webdav.NewMemLS(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withHeaders, s.logRequests)

	r.Get("/healthz", s.health)
	r.Post("/api/setup", s.setup)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return auth.RequireAuth(s.accounts, s.log, next)
		})

		r.Post("/upload", s.uploadChunk)

		r.Get("/api/dir_tree", s.dirTree)
		r.Get("/api/browse", s.browseDir)
		r.Get("/api/browse/*", s.browseDir)

		r.Get("/download/*", s.download)
		r.Get("/stream/*", s.stream)
		r.Get("/download_folder/*", s.downloadFolder)
		r.Get("/thumb/*", s.thumb)

		r.Handle("/dav", http.HandlerFunc(s.dav))
		r.Handle("/dav/*", http.HandlerFunc(s.dav))

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/dirs", s.listDirs)
			r.Post("/dirs", s.addDir)
			r.Delete("/dirs", s.removeDir)
			r.Get("/users", s.listUsers)
			r.Post("/users", s.createUser)
			r.Delete("/users/{name}", s.deleteUser)
		})
	})

	return r
}

func principal(r *http.Request) models.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// fail writes err and logs anything that is not the caller's fault.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := httperrors.Status(err); code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	httperrors.Write(w, err)
}
