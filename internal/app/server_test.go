package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
	"github.com/christmasforkids/cfk-sponsorship/internal/roster"
	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
	"github.com/christmasforkids/cfk-sponsorship/internal/testutil/memrepo"
)

const testSecret = "0123456789abcdef0123"

type fakeImporter struct {
	got string
	rep *roster.Report
}

func (f *fakeImporter) Import(_ context.Context, r io.Reader) (*roster.Report, error) {
	b, _ := io.ReadAll(r)
	f.got = string(b)
	return f.rep, nil
}

type fakeBackup struct{ err error }

func (f fakeBackup) TriggerBackup(context.Context) (string, error) { return "dump.sql.gz", f.err }

type fixture struct {
	store *memrepo.Store
	mgr   *sponsorship.Manager
	srv   *Server
	h     http.Handler
	token string
}

func newFixture(t *testing.T, mod ...func(*Deps)) *fixture {
	t.Helper()
	store := memrepo.New()
	mgr := sponsorship.NewManager(store, nil, zap.NewNop())
	auth, err := NewAuth(testSecret)
	require.NoError(t, err)
	token, err := auth.Issue("volunteer@cfk.org", time.Hour)
	require.NoError(t, err)

	d := Deps{Manager: mgr, Catalog: store, Auth: auth, Log: zap.NewNop()}
	for _, m := range mod {
		m(&d)
	}
	srv := NewServer(d)
	return &fixture{store: store, mgr: mgr, srv: srv, h: srv.Handler(), token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any, admin bool) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (f *fixture) child(letter string) int64 {
	return f.store.AddChild(models.Child{FamilyNumber: "175", Letter: letter, AgeMonths: 96, Gender: "F"})
}

func TestSponsor_EndToEnd(t *testing.T) {
	f := newFixture(t)
	id := f.child("A")

	rec, env := f.do(t, http.MethodPost, "/api/children/"+itoa(id)+"/sponsor",
		map[string]string{"name": "Jane Doe", "email": "jane@example.com"}, false)
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)
	require.True(t, env.Success)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	data := env.Data.(map[string]any)
	require.NotZero(t, data["sponsorship_id"])

	rec, env = f.do(t, http.MethodPost, "/api/children/"+itoa(id)+"/sponsor",
		map[string]string{"name": "John Roe", "email": "john@example.com"}, false)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.False(t, env.Success)
	require.Contains(t, env.Message, "selected by another sponsor")
}

func TestSponsor_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	id := f.child("A")

	rec, env := f.do(t, http.MethodPost, "/api/children/"+itoa(id)+"/sponsor",
		map[string]string{"name": "Jane", "email": "nope"}, false)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotEmpty(t, env.Errors)
	require.Equal(t, models.ChildAvailable, f.store.Child(id).Status)

	rec, _ = f.do(t, http.MethodPost, "/api/children/"+itoa(id)+"/sponsor", map[string]string{"nickname": "x"}, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/children/abc/sponsor", map[string]string{}, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/children/999/sponsor",
		map[string]string{"name": "Jane", "email": "jane@example.com"}, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, sponsorship.MsgChildNotFound, env.Message)
}

func TestSponsor_SystemErrorHidesDetail(t *testing.T) {
	f := newFixture(t)
	id := f.child("A")
	f.store.FailInsertSponsorship = errors.New("pq: relation does not exist")

	rec, env := f.do(t, http.MethodPost, "/api/children/"+itoa(id)+"/sponsor",
		map[string]string{"name": "Jane", "email": "jane@example.com"}, false)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, sponsorship.MsgSystemError, env.Message)
	require.NotContains(t, rec.Body.String(), "relation")
}

func TestSponsor_RateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = NewMemoryLimiter(2, time.Minute) })
	for i, want := range []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests} {
		rec, _ := f.do(t, http.MethodPost, "/api/children/999/sponsor",
			map[string]string{"name": "Jane", "email": "jane@example.com"}, false)
		require.Equal(t, want, rec.Code, "request %d", i)
	}
}

func TestSponsor_RateLimitKeysOnPeerNotForwardedFor(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limiter = NewMemoryLimiter(2, time.Minute) })
	var limited int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/children/999/sponsor",
			strings.NewReader(`{"name":"Jane","email":"jane@example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	require.Equal(t, 8, limited)
}

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name    string
		remote  string
		fwd     string
		trusted []netip.Prefix
		want    string
	}{
		{"no_proxies_configured", "192.0.2.1:1234", "203.0.113.9", nil, "192.0.2.1"},
		{"untrusted_peer", "192.0.2.1:1234", "203.0.113.9", proxies, "192.0.2.1"},
		{"trusted_peer", "10.0.0.5:443", "203.0.113.9", proxies, "203.0.113.9"},
		{"spoofed_left_hop", "10.0.0.5:443", "1.1.1.1, 203.0.113.9, 10.0.0.7", proxies, "203.0.113.9"},
		{"trusted_peer_without_header", "10.0.0.5:443", "", proxies, "10.0.0.5"},
		{"garbage_hop", "10.0.0.5:443", "not-an-ip", proxies, "10.0.0.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.fwd != "" {
				req.Header.Set("X-Forwarded-For", tc.fwd)
			}
			require.Equal(t, tc.want, clientIP(req, tc.trusted))
		})
	}
}

func TestChildren_ListAndAvailability(t *testing.T) {
	f := newFixture(t)
	a := f.child("A")
	f.child("B")
	_ = f.store.AddChild(models.Child{FamilyNumber: "176", Letter: "A", AgeMonths: 30, Status: models.ChildInactive})
	require.True(t, f.mgr.Reserve(context.Background(), a).Success)

	_, env := f.do(t, http.MethodGet, "/api/children", nil, false)
	require.Len(t, env.Data.([]any), 1)

	_, env = f.do(t, http.MethodGet, "/api/children?status=all&limit=2", nil, false)
	require.Len(t, env.Data.([]any), 2)

	_, env = f.do(t, http.MethodGet, "/api/children?status=selected,inactive", nil, false)
	require.Len(t, env.Data.([]any), 2)

	_, env = f.do(t, http.MethodGet, "/api/children?status=all&max_age=2", nil, false)
	require.Len(t, env.Data.([]any), 1)

	rec, _ := f.do(t, http.MethodGet, "/api/children?status=bogus", nil, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/children/"+itoa(a)+"/availability", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	require.Equal(t, false, data["available"])
	require.Equal(t, sponsorship.MsgSelected, data["reason"])

	rec, env = f.do(t, http.MethodGet, "/api/children/"+itoa(a), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", env.Data.(map[string]any)["status"])

	rec, _ = f.do(t, http.MethodGet, "/api/children/4040", nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFamily(t *testing.T) {
	f := newFixture(t)
	f.child("A")
	f.child("B")

	rec, env := f.do(t, http.MethodGet, "/api/families/175", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	require.Len(t, data["children"], 2)
	require.EqualValues(t, 2, data["available_count"])

	rec, _ = f.do(t, http.MethodGet, "/api/families/999", nil, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/admin/stats", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := NewAuth("another-secret-entirely")
	require.NoError(t, err)
	forged, err := other.Issue("mallory", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/admin/stats", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_Lifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.child("A")
	res := f.mgr.CreateSponsorshipRequest(context.Background(), id, models.SponsorData{Name: "Jane", Email: "jane@example.com"})
	require.True(t, res.Success)
	sp := "/api/admin/sponsorships/" + itoa(res.SponsorshipID)

	rec, env := f.do(t, http.MethodPost, sp+"/log", nil, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, env.Message, "confirmed")

	for _, step := range []string{"/confirm", "/log", "/unlog", "/log", "/complete"} {
		rec, env = f.do(t, http.MethodPost, sp+step, nil, true)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step, env.Message)
	}
	require.Equal(t, models.ChildCompleted, f.store.Child(id).Status)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/sponsorships/999/confirm", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_CancelAndRelease(t *testing.T) {
	f := newFixture(t)
	id := f.child("A")
	res := f.mgr.CreateSponsorshipRequest(context.Background(), id, models.SponsorData{Name: "Jane", Email: "jane@example.com"})
	require.True(t, res.Success)

	rec, _ := f.do(t, http.MethodPost, "/api/admin/sponsorships/"+itoa(res.SponsorshipID)+"/cancel",
		map[string]string{"reason": "duplicate request"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "duplicate request", f.store.Sponsorship(res.SponsorshipID).CancellationReason)

	rec, env := f.do(t, http.MethodPost, "/api/admin/sponsorships/"+itoa(res.SponsorshipID)+"/cancel", nil, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, sponsorship.MsgAlreadyCancelled, env.Message)

	held := f.child("B")
	require.True(t, f.mgr.Reserve(context.Background(), held).Success)
	rec, _ = f.do(t, http.MethodPost, "/api/admin/children/"+itoa(held)+"/release", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.ChildAvailable, f.store.Child(held).Status)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/children/9999/release", nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_ReleaseCompletedAndStorageDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.child("A")
	res := f.mgr.CreateSponsorshipRequest(ctx, id, models.SponsorData{Name: "Jane", Email: "jane@example.com"})
	require.True(t, res.Success)
	for _, step := range []func(context.Context, int64) sponsorship.Result{
		f.mgr.ConfirmSponsorship, f.mgr.LogSponsorship, f.mgr.CompleteSponsorship,
	} {
		require.True(t, step(ctx, res.SponsorshipID).Success)
	}

	rec, env := f.do(t, http.MethodPost, "/api/admin/children/"+itoa(id)+"/release", nil, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, sponsorship.MsgCompletedKeepsChild, env.Message)
	require.Equal(t, models.ChildCompleted, f.store.Child(id).Status)

	held := f.child("B")
	require.True(t, f.mgr.Reserve(ctx, held).Success)
	f.store.FailTx = errors.New("dial tcp: connection refused")
	rec, env = f.do(t, http.MethodPost, "/api/admin/children/"+itoa(held)+"/release", nil, true)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, sponsorship.MsgSystemError, env.Message)
	require.NotContains(t, rec.Body.String(), "refused")
}

func TestAdmin_ListSponsorshipsNeedsAttention(t *testing.T) {
	now := time.Date(2026, 12, 5, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, func(d *Deps) { d.Now = func() time.Time { return now } })

	f.store.SetClock(func() time.Time { return now.Add(-5 * time.Hour) })
	old := f.mgr.CreateSponsorshipRequest(context.Background(), f.child("A"), models.SponsorData{Name: "Old", Email: "old@example.com"})
	require.True(t, old.Success)
	f.store.SetClock(func() time.Time { return now.Add(-10 * time.Minute) })
	fresh := f.mgr.CreateSponsorshipRequest(context.Background(), f.child("B"), models.SponsorData{Name: "New", Email: "new@example.com"})
	require.True(t, fresh.Success)

	_, env := f.do(t, http.MethodGet, "/api/admin/sponsorships", nil, true)
	require.Len(t, env.Data.([]any), 2)

	_, env = f.do(t, http.MethodGet, "/api/admin/sponsorships?needs_attention=1", nil, true)
	list := env.Data.([]any)
	require.Len(t, list, 1)
	got := list[0].(map[string]any)["sponsorship"].(map[string]any)
	require.Equal(t, "old@example.com", got["sponsor_email"])

	_, env = f.do(t, http.MethodGet, "/api/admin/sponsorships?email=NEW@example.com", nil, true)
	require.Len(t, env.Data.([]any), 1)
}

func TestAdmin_ListSponsorshipsRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	res := f.mgr.CreateSponsorshipRequest(context.Background(), f.child("A"), models.SponsorData{Name: "Jane", Email: "jane@example.com"})
	require.True(t, res.Success)

	rec, env := f.do(t, http.MethodGet, "/api/admin/sponsorships?status=pending,bogus", nil, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, env.Message, "bogus")

	rec, env = f.do(t, http.MethodGet, "/api/admin/sponsorships?status=Pending", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.Data.([]any), 1)
}

func TestAdmin_Stats(t *testing.T) {
	f := newFixture(t)
	f.child("A")
	id := f.child("B")
	require.True(t, f.mgr.Reserve(context.Background(), id).Success)

	_, env := f.do(t, http.MethodGet, "/api/admin/stats", nil, true)
	data := env.Data.(map[string]any)
	require.EqualValues(t, 2, data["children_total"])
	require.EqualValues(t, 1, data["children"].(map[string]any)["pending"])
}

func TestAdmin_ImportMultipart(t *testing.T) {
	imp := &fakeImporter{rep: &roster.Report{Created: 2, Skipped: 1}}
	f := newFixture(t, func(d *Deps) { d.Importer = imp })

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "roster.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("family_number,child_letter,age\n1,A,5\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, imp.got, "1,A,5")
	require.Contains(t, rec.Body.String(), "Imported 2 children, skipped 1")
}

func TestAdmin_ImportReportsLineErrors(t *testing.T) {
	imp := &fakeImporter{rep: &roster.Report{Errors: []roster.LineError{{Line: 3, Msg: "age is empty"}}}}
	f := newFixture(t, func(d *Deps) { d.Importer = imp })

	req := httptest.NewRequest(http.MethodPost, "/api/admin/import", strings.NewReader("family_number,child_letter,age\n"))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "line 3: age is empty")
}

func TestAdmin_Export(t *testing.T) {
	f := newFixture(t)
	f.child("A")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/export", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "cfk-sponsorships-")
	wb, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows("Children")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestAdmin_Backup(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/admin/backup", nil, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f = newFixture(t, func(d *Deps) { d.Backup = fakeBackup{} })
	rec, env := f.do(t, http.MethodPost, "/api/admin/backup", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "dump.sql.gz", env.Data.(map[string]any)["result"])

	f = newFixture(t, func(d *Deps) { d.Backup = fakeBackup{err: errors.New("sidecar down")} })
	rec, _ = f.do(t, http.MethodPost, "/api/admin/backup", nil, true)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	f.store.PingErr = errors.New("down")
	rec, _ = f.do(t, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverer(t *testing.T) {
	h := recoverer(zap.NewNop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "system error")
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
