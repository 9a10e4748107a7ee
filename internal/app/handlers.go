package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/ctxutil"
	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/export"
	"github.com/christmasforkids/cfk-sponsorship/internal/models"
	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxFormBytes    = 16 << 10
	maxUploadBytes  = 5 << 20
)

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) storageError(w http.ResponseWriter, r *http.Request, what string, err error) {
	reqID, _ := ctxutil.RequestID(r.Context())
	s.Log.Error(what, zap.Error(err), zap.String("request_id", reqID))
	fail(w, http.StatusInternalServerError, sponsorship.MsgSystemError)
}

func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive number")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be zero or more")
		}
	}
	return limit, offset, nil
}

// childFilter reads ?status=&gender=&min_age=&max_age= (ages in years).
// Visitors see available children unless they ask for status=all.
func childFilter(r *http.Request) (models.ChildFilter, error) {
	q := r.URL.Query()
	f := models.ChildFilter{Gender: strings.TrimSpace(q.Get("gender"))}

	switch st := strings.TrimSpace(q.Get("status")); st {
	case "":
		f.Statuses = []models.ChildStatus{models.ChildAvailable}
	case "all":
	default:
		for _, part := range strings.Split(st, ",") {
			cs, err := models.ParseChildStatus(part)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, cs)
		}
	}
	for key, dst := range map[string]*int{"min_age": &f.MinAgeMonths, "max_age": &f.MaxAgeMonths} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		years, err := strconv.Atoi(v)
		if err != nil || years < 0 {
			return f, fmt.Errorf("%s must be a whole number of years", key)
		}
		*dst = years * 12
	}
	if f.MaxAgeMonths > 0 {
		f.MaxAgeMonths += 11
	}
	var err error
	f.Limit, f.Offset, err = page(r)
	return f, err
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	f, err := childFilter(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	kids, err := s.Catalog.ListChildren(r.Context(), f)
	if err != nil {
		s.storageError(w, r, "list children", err)
		return
	}
	if kids == nil {
		kids = []models.Child{}
	}
	ok(w, "", kids)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (sponsorship.Availability, bool) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid child id.")
		return sponsorship.Availability{}, false
	}
	a := s.Manager.CheckAvailability(r.Context(), id)
	if a.Child == nil {
		code := http.StatusNotFound
		if a.Reason == sponsorship.MsgSystemError {
			code = http.StatusInternalServerError
		}
		fail(w, code, a.Reason)
		return a, false
	}
	return a, true
}

func (s *Server) getChild(w http.ResponseWriter, r *http.Request) {
	if a, found := s.lookup(w, r); found {
		ok(w, a.Reason, a.Child)
	}
}

func (s *Server) availability(w http.ResponseWriter, r *http.Request) {
	if a, found := s.lookup(w, r); found {
		ok(w, a.Reason, map[string]any{"available": a.Available, "reason": a.Reason, "status": a.Child.Status})
	}
}

func (s *Server) sponsor(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid child id.")
		return
	}
	var form models.SponsorData
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&form); err != nil {
		fail(w, http.StatusBadRequest, "Request body must be a JSON sponsorship form.")
		return
	}

	res := s.Manager.CreateSponsorshipRequest(r.Context(), id, form)
	var data any
	if res.Success {
		data = map[string]any{"sponsorship_id": res.SponsorshipID, "child": res.Child}
	}
	writeResult(w, http.StatusCreated, res, data)
}

func (s *Server) family(w http.ResponseWriter, r *http.Request) {
	fam, err := s.Catalog.GetFamilyWithChildren(r.Context(), r.PathValue("number"))
	if errors.Is(err, db.ErrNotFound) {
		fail(w, http.StatusNotFound, "Family not found.")
		return
	}
	if err != nil {
		s.storageError(w, r, "get family", err)
		return
	}
	ok(w, "", map[string]any{
		"family":          fam.Family,
		"children":        fam.Children,
		"available_count": fam.AvailableCount(),
	})
}

func (s *Server) transition(op func(context.Context, int64) sponsorship.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, valid := pathID(r)
		if !valid {
			fail(w, http.StatusBadRequest, "Invalid sponsorship id.")
			return
		}
		s.audit(r, id)
		writeResult(w, http.StatusOK, op(r.Context(), id), nil)
	}
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid sponsorship id.")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			fail(w, http.StatusBadRequest, "Request body must be JSON.")
			return
		}
	}
	s.audit(r, id)
	writeResult(w, http.StatusOK, s.Manager.CancelSponsorship(r.Context(), id, body.Reason), nil)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	id, valid := pathID(r)
	if !valid {
		fail(w, http.StatusBadRequest, "Invalid child id.")
		return
	}
	s.audit(r, id)
	writeResult(w, http.StatusOK, s.Manager.ReleaseChild(r.Context(), id), nil)
}

func (s *Server) audit(r *http.Request, id int64) {
	who, _ := ctxutil.Admin(r.Context())
	reqID, _ := ctxutil.RequestID(r.Context())
	s.Log.Info("admin action",
		zap.String("admin", who),
		zap.String("route", r.Pattern),
		zap.Int64("id", id),
		zap.String("request_id", reqID))
}

// listSponsorships reads ?status=&email=&child_id=&needs_attention=1.
// needs_attention lists pending requests older than the reservation timeout.
func (s *Server) listSponsorships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.SponsorshipFilter{Email: strings.TrimSpace(q.Get("email"))}
	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := models.ParseSponsorshipStatus(part)
			if err != nil {
				fail(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := q.Get("child_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(w, http.StatusBadRequest, "child_id must be a number")
			return
		}
		f.ChildID = id
	}
	if q.Get("needs_attention") == "1" {
		f.Statuses = []models.SponsorshipStatus{models.SponsorshipPending}
		f.RequestedBefore = s.Now().Add(-s.Manager.ReservationTimeout())
	}
	var err error
	if f.Limit, f.Offset, err = page(r); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.Catalog.ListSponsorshipDetails(r.Context(), f)
	if err != nil {
		s.storageError(w, r, "list sponsorships", err)
		return
	}
	if list == nil {
		list = []models.SponsorshipDetails{}
	}
	ok(w, "", list)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	children, err := s.Catalog.CountChildrenByStatus(r.Context())
	if err != nil {
		s.storageError(w, r, "count children", err)
		return
	}
	sps, err := s.Catalog.CountSponsorshipsByStatus(r.Context())
	if err != nil {
		s.storageError(w, r, "count sponsorships", err)
		return
	}
	total := 0
	for _, n := range children {
		total += n
	}
	ok(w, "", map[string]any{
		"children_total": total,
		"children":       children,
		"sponsorships":   sps,
	})
}

// importRoster takes either a multipart "file" field or a raw text/csv body.
func (s *Server) importRoster(w http.ResponseWriter, r *http.Request) {
	if s.Importer == nil {
		fail(w, http.StatusServiceUnavailable, "Import is not configured.")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			fail(w, http.StatusBadRequest, "Upload the roster as the \"file\" field.")
			return
		}
		defer func() { _ = file.Close() }()
		src = file
	}

	rep, err := s.Importer.Import(r.Context(), src)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(rep.Errors) > 0 {
		problems := make([]string, len(rep.Errors))
		for i, e := range rep.Errors {
			problems[i] = e.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, envelope{
			Message: "The roster has problems; nothing was imported.",
			Errors:  problems,
		})
		return
	}
	ok(w, fmt.Sprintf("Imported %d children, skipped %d already on file.", rep.Created, rep.Skipped), rep)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	sheets, err := export.Sheets(r.Context(), s.Catalog, s.Location)
	if err != nil {
		s.storageError(w, r, "export", err)
		return
	}
	f, err := export.NewWorkbook(sheets)
	if err != nil {
		s.storageError(w, r, "build workbook", err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(s.Now().In(s.Location))))
	if _, err := f.WriteTo(w); err != nil {
		s.Log.Warn("export write", zap.Error(err))
	}
}

func (s *Server) backup(w http.ResponseWriter, r *http.Request) {
	if s.Backup == nil {
		fail(w, http.StatusServiceUnavailable, "Backups are not configured.")
		return
	}
	out, err := s.Backup.TriggerBackup(r.Context())
	if err != nil {
		s.Log.Error("backup failed", zap.Error(err))
		fail(w, http.StatusBadGateway, "Backup failed.")
		return
	}
	ok(w, "Backup started.", map[string]string{"result": out})
}
