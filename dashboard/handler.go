package dashboard

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	sloghttp "github.com/samber/slog-http"

	"github.com/ledgerworks/stepflow"
)

//go:embed *.html
var templatesFS embed.FS

// App serves the workflow status dashboard. All reads go through the
// instance cache, which the engine keeps consistent by clearing on every
// ledger mutation.
type App struct {
	client    *stepflow.Client
	logger    *slog.Logger
	templates *template.Template
}

type Config struct {
	Client     *stepflow.Client
	Logger     *slog.Logger
	PathPrefix string
}

func New(config Config) *App {
	t := template.Must(template.New("").Funcs(template.FuncMap{
		"route": func(path string) string {
			return config.PathPrefix + path
		},
		"ago": humanize.Time,
	}).ParseFS(templatesFS, "*.html"))

	return &App{
		client:    config.Client,
		logger:    config.Logger,
		templates: t,
	}
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", a.handleInstances)
	mux.HandleFunc("GET /instances/{id}", a.handleInstance)

	return sloghttp.New(a.logger)(mux)
}

func (a *App) render(w http.ResponseWriter, r *http.Request, tmpl string, data any) {
	if err := a.templates.ExecuteTemplate(w, tmpl+".html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (a *App) handleError(w http.ResponseWriter, r *http.Request, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (a *App) handleInstances(w http.ResponseWriter, r *http.Request) {
	roots, err := a.client.ListInstances(r.Context(), 50)
	if err != nil {
		a.handleError(w, r, err)
		return
	}

	a.render(w, r, "instances", struct {
		Roots []*stepflow.StepRecord
	}{
		Roots: roots,
	})
}

func (a *App) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}

	view, err := a.client.InstanceView(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}

	a.render(w, r, "instance", struct {
		View *stepflow.InstanceView
	}{
		View: view,
	})
}
