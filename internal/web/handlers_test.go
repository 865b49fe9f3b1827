package web

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tororo-hospice/datawash/internal/config"
	"github.com/tororo-hospice/datawash/internal/pipeline"
	"github.com/tororo-hospice/datawash/internal/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *store.Memory) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.RequestTimeout = 30 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemory()
	orch, err := pipeline.New(st, pipeline.Options{Actor: "tester"})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return NewServer(orch, st, cfg), st
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, form, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("form", form); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

// ---- Health and Forms Tests ----

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListForms(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/forms", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Forms []string `json:"forms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, f := range body.Forms {
		if f == "clinical_intake" {
			found = true
		}
	}
	if !found {
		t.Errorf("forms = %v", body.Forms)
	}
}

// ---- Batch Submission Tests ----

func TestSubmitBatch_CSV(t *testing.T) {
	s, st := newTestServer(t, nil)

	body, contentType := multipartBody(t, "clinical_intake", "intake.csv",
		"patient_name,reg_number\nMaria Lopez,RN-4417\n")
	req := httptest.NewRequest(http.MethodPost, "/api/batches", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var report pipeline.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Committed || report.RowsProcessed != 1 {
		t.Errorf("report = %+v", report)
	}

	// The stored report is retrievable by batch id.
	repReq := httptest.NewRequest(http.MethodGet, "/api/batches/"+report.BatchID+"/report", nil)
	repRec := doRequest(s, repReq)
	if repRec.Code != http.StatusOK {
		t.Errorf("report status = %d", repRec.Code)
	}

	g, err := st.LoadPool(repReq.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Persons) != 1 {
		t.Errorf("persons = %d", len(g.Persons))
	}
}

func TestSubmitBatch_Validation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	t.Run("missing form field", func(t *testing.T) {
		body, contentType := multipartBody(t, "", "x.csv", "a,b\n1,2\n")
		req := httptest.NewRequest(http.MethodPost, "/api/batches", body)
		req.Header.Set("Content-Type", contentType)
		if rec := doRequest(s, req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("unknown form", func(t *testing.T) {
		body, contentType := multipartBody(t, "mystery", "x.csv", "a,b\n1,2\n")
		req := httptest.NewRequest(http.MethodPost, "/api/batches", body)
		req.Header.Set("Content-Type", contentType)
		if rec := doRequest(s, req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("unsupported file type", func(t *testing.T) {
		body, contentType := multipartBody(t, "clinical_intake", "notes.txt", "hello")
		req := httptest.NewRequest(http.MethodPost, "/api/batches", body)
		req.Header.Set("Content-Type", contentType)
		if rec := doRequest(s, req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestSubmitBatch_OrphanReferenceIs422(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body, contentType := multipartBody(t, "clinical_intake", "intake.csv",
		"patient_name,med_name,batch_no\nMaria Lopez,Morphine,NO-SUCH-BATCH\n")
	req := httptest.NewRequest(http.MethodPost, "/api/batches", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestBatchReport_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/batches/nope/report", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

// ---- Review Queue Tests ----

func TestReviewQueue_Empty(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/review", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("count = %d", body.Count)
	}
}

// ---- Auth Tests ----

func TestAPIKeyAuth(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.RequireAPIKey = true
		cfg.Security.APIKeys = []string{"sekrit"}
	})

	t.Run("missing key rejected", func(t *testing.T) {
		rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/forms", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/forms", nil)
		req.Header.Set("X-API-Key", "guess")
		if rec := doRequest(s, req); rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("valid key accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/forms", nil)
		req.Header.Set("X-API-Key", "sekrit")
		if rec := doRequest(s, req); rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("healthz stays open", func(t *testing.T) {
		if rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
