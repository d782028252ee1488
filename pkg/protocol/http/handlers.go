package http

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/ha1tch/pgshift/pkg/batch"
	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/export"
	"github.com/ha1tch/pgshift/pkg/service"
	"github.com/ha1tch/pgshift/pkg/version"
)

// Form is parsed in memory up to this size; larger uploads spill to disk.
const maxFormMemory = 8 << 20

const defaultHistoryLimit = 50

// APIResponse is the envelope of every JSON error and of the simple
// JSON replies.
type APIResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// TranslateRequest is the body of POST /api/translate.
type TranslateRequest struct {
	Query      string `json:"query"`
	ReportID   string `json:"report_id"`
	ReportName string `json:"report_name"`
	Trace      bool   `json:"trace"`
}

// TranslateResponse is the reply of POST /api/translate.
type TranslateResponse struct {
	Success bool `json:"success"`
	*service.Result
}

// pageData feeds the index template.
type pageData struct {
	Version          string
	ReportID         string
	ReportName       string
	OriginalQuery    string
	TranslatedQuery  string
	FileName         string
	OriginalFileName string
	Warnings         []string
	Error            string
	BatchEnabled     bool
}

func (l *Listener) newPage() pageData {
	return pageData{
		Version:      version.String(),
		BatchEnabled: l.svc.BatchEnabled(),
	}
}

func (l *Listener) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := l.newPage()
	page.FileName = export.TranslatedFileName("", "")
	l.render(w, http.StatusOK, page)
}

func (l *Listener) handleTranslateForm(w http.ResponseWriter, r *http.Request) {
	page := l.newPage()

	if err := parseForm(r); err != nil {
		page.Error = err.Error()
		l.render(w, statusFor(err), page)
		return
	}

	req := service.Request{
		Query:      r.FormValue("query"),
		ReportID:   r.FormValue("report_id"),
		ReportName: r.FormValue("report_name"),
		Source:     service.SourceForm,
	}
	page.ReportID, page.ReportName = req.ReportID, req.ReportName

	// An uploaded file takes precedence over the text area.
	if data, name, err := formFile(r, "file"); err != nil {
		page.Error = err.Error()
		l.render(w, statusFor(err), page)
		return
	} else if name != "" {
		req.Query = string(data)
		req.Source = service.SourceUpload
	}

	res, err := l.svc.Translate(r.Context(), req)
	if err != nil {
		page.Error = err.Error()
		l.render(w, statusFor(err), page)
		return
	}

	page.OriginalQuery = res.Original
	page.TranslatedQuery = res.Translated
	page.FileName = res.FileName
	page.OriginalFileName = res.OriginalFileName
	for _, warn := range res.Warnings {
		page.Warnings = append(page.Warnings, warn.String())
	}
	l.render(w, http.StatusOK, page)
}

func (l *Listener) handleDownload(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	name := export.TranslatedFileName(r.FormValue("report_id"), r.FormValue("report_name"))
	l.sendFile(w, r, name, export.ContentType, []byte(r.FormValue("translated_query")))
}

func (l *Listener) handleDownloadOriginal(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	name := export.OriginalFileName(r.FormValue("report_id"), r.FormValue("report_name"))
	l.sendFile(w, r, name, export.ContentType, []byte(r.FormValue("original_query")))
}

func (l *Listener) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !l.svc.BatchEnabled() {
		l.writeError(w, errors.New(errors.ErrCodeNotImplemented, "batch translation is disabled").Err())
		return
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		l.writeError(w, classifyBodyError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var inputs []batch.Input
	for _, fh := range r.MultipartForm.File["files"] {
		data, err := readPart(fh)
		if err != nil {
			l.writeError(w, err)
			return
		}
		inputs = append(inputs, batch.Input{Name: fh.Filename, Data: data})
	}

	report, err := l.svc.Batch(r.Context(), inputs)
	if err != nil {
		l.writeError(w, err)
		return
	}

	if r.URL.Query().Get("report") == "json" {
		l.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: report})
		return
	}

	h := w.Header()
	h.Set("X-Batch-ID", report.BatchID)
	h.Set("X-Batch-Translated", strconv.Itoa(report.Translated))
	h.Set("X-Batch-Skipped", strconv.Itoa(report.Skipped))
	h.Set("X-Batch-Failed", strconv.Itoa(report.Failed))
	l.sendFile(w, r, "pgshift-"+report.BatchID+".zip", "application/zip", report.Archive)
}

func (l *Listener) handleAPITranslate(w http.ResponseWriter, r *http.Request) {
	var body TranslateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		l.writeError(w, classifyBodyError(err))
		return
	}

	res, err := l.svc.Translate(r.Context(), service.Request{
		Query:      body.Query,
		ReportID:   body.ReportID,
		ReportName: body.ReportName,
		Source:     service.SourceAPI,
		Trace:      body.Trace,
	})
	if err != nil {
		l.writeError(w, err)
		return
	}
	l.writeJSON(w, http.StatusOK, TranslateResponse{Success: true, Result: res})
}

func (l *Listener) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			l.writeError(w, errors.InvalidInput("limit", "must be a positive integer").Err())
			return
		}
		limit = n
	}

	entries, err := l.svc.History(r.Context(), limit)
	if err != nil {
		l.writeError(w, err)
		return
	}
	l.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: entries})
}

func (l *Listener) handleAPIHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		l.writeError(w, errors.InvalidInput("id", "must be an integer").Err())
		return
	}
	entry, err := l.svc.Entry(r.Context(), id)
	if err != nil {
		l.writeError(w, err)
		return
	}
	l.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: entry})
}

func (l *Listener) handleAPIMapping(w http.ResponseWriter, r *http.Request) {
	snap := l.svc.Mapping()
	pairs := snap.Pipeline.Mapping().Pairs()
	words := make([][2]string, len(pairs))
	for i, p := range pairs {
		words[i] = [2]string{p.Source, p.Target}
	}
	l.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]interface{}{
		"version":   snap.Version,
		"source":    snap.Source,
		"loaded_at": snap.LoadedAt,
		"stages":    snap.Pipeline.Stages(),
		"words":     words,
		"idioms":    len(snap.Pipeline.Idioms()),
	}})
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	l.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"server":          "pgshift",
		"version":         version.String(),
		"mapping_version": l.svc.Mapping().Version,
	})
}

// Helpers

func (l *Listener) render(w http.ResponseWriter, status int, page pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, page); err != nil {
		l.logger.Application().Error("failed to render page", err)
	}
}

func (l *Listener) sendFile(w http.ResponseWriter, r *http.Request, name, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	l.logger.Audit().WithContext(r.Context()).Info("file downloaded",
		"file", name,
		"bytes", len(body),
		"remote_addr", r.RemoteAddr,
	)
}

func (l *Listener) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.logger.Application().Error("failed to encode response", err)
	}
}

func (l *Listener) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		l.logger.Application().Error("request failed", err)
	}
	l.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    errors.GetCode(err).String(),
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch code := errors.GetCode(err); {
	case code == errors.ErrCodePayloadTooBig:
		return http.StatusRequestEntityTooLarge
	case code == errors.ErrCodeStorageNotFound:
		return http.StatusNotFound
	case code == errors.ErrCodeNotImplemented:
		return http.StatusNotImplemented
	case code == errors.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	case code == errors.ErrCodeBadRequest, code.Category() == "translation":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func classifyBodyError(err error) error {
	var tooBig *http.MaxBytesError
	if stderrors.As(err, &tooBig) {
		return errors.Newf(errors.ErrCodePayloadTooBig, "request body exceeds %d bytes", tooBig.Limit).Err()
	}
	return errors.Wrap(err, errors.ErrCodeBadRequest, "invalid request body").Err()
}

// parseForm accepts both urlencoded and multipart bodies.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxFormMemory)
	if err != nil && !stderrors.Is(err, http.ErrNotMultipart) {
		return classifyBodyError(err)
	}
	return nil
}

// formFile returns the content of an optional upload field. name is empty
// when nothing was uploaded.
func formFile(r *http.Request, field string) ([]byte, string, error) {
	if r.MultipartForm == nil {
		return nil, "", nil
	}
	files := r.MultipartForm.File[field]
	if len(files) == 0 || files[0].Filename == "" {
		return nil, "", nil
	}
	data, err := readPart(files[0])
	if err != nil {
		return nil, "", err
	}
	return data, files[0].Filename, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileRead, "open upload").
			WithField("file", fh.Filename).
			Err()
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileRead, fmt.Sprintf("read upload %s", fh.Filename)).Err()
	}
	return data, nil
}
