package evaluations

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *Manager, *fakeGateway) {
	t.Helper()
	m, _, _, gw := newTestManager(t)
	r := gin.New()
	NewHandler(m).RegisterRoutes(r)
	return r, m, gw
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func clientHeaders(id int) map[string]string {
	return map[string]string{"X-Client-ID": strconv.Itoa(id)}
}

func therapistHeaders(id int) map[string]string {
	return map[string]string{"X-Therapist-ID": strconv.Itoa(id)}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, w.Body.String())
	}
	return env
}

func TestBookEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/evaluations", clientHeaders(7), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if !env.Success {
		t.Fatalf("success = false: %s", env.Message)
	}
	var data struct {
		Evaluation Evaluation `json:"evaluation"`
		Checkout   *struct {
			Reference string `json:"reference"`
		} `json:"checkout"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Evaluation.Status != StatusPendingPayment {
		t.Fatalf("status = %s", data.Evaluation.Status)
	}
	if data.Checkout == nil || data.Checkout.Reference == "" {
		t.Fatal("missing checkout")
	}

	// A second booking for the same client is a precondition violation.
	w = doJSON(t, r, http.MethodPost, "/evaluations", clientHeaders(7), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("second booking status = %d", w.Code)
	}
}

func TestBookEndpointRequiresIdentity(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/evaluations", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if env := decodeEnvelope(t, w); env.Success {
		t.Fatal("success = true on auth failure")
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	r, m, gw := newTestRouter(t)
	e := paidEvaluation(t, m, gw, 1)

	w := doJSON(t, r, http.MethodPost, "/evaluations/"+strconv.Itoa(e.ID)+"/cancel", clientHeaders(2), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", w.Code, w.Body.String())
	}
}

func TestTherapistTransitionEndpoints(t *testing.T) {
	r, m, gw := newTestRouter(t)
	e := advance(t, m, gw, 1, StatusTherapistAssigned)
	id := strconv.Itoa(e.ID)

	// Only the assigned therapist may act.
	w := doJSON(t, r, http.MethodPost, "/evaluations/"+id+"/start-review", therapistHeaders(99), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong therapist status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/evaluations/"+id+"/start-review", therapistHeaders(*e.TherapistID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start-review status = %d, body %s", w.Code, w.Body.String())
	}

	// Replaying the same transition is a state-machine violation, 409.
	w = doJSON(t, r, http.MethodPost, "/evaluations/"+id+"/start-review", therapistHeaders(*e.TherapistID), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", w.Code)
	}
}

func TestCompleteEndpointValidatesTier(t *testing.T) {
	r, m, gw := newTestRouter(t)
	e := advance(t, m, gw, 1, StatusInProgress)
	id := strconv.Itoa(e.ID)

	w := doJSON(t, r, http.MethodPost, "/evaluations/"+id+"/complete", therapistHeaders(*e.TherapistID),
		gin.H{"recommended_tier": "platinum"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown tier status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/evaluations/"+id+"/complete", therapistHeaders(*e.TherapistID),
		gin.H{"recommended_tier": "rooted", "notes": "strong progress"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestMineEndpoint(t *testing.T) {
	r, m, gw := newTestRouter(t)
	paidEvaluation(t, m, gw, 4)

	w := doJSON(t, r, http.MethodGet, "/evaluations/mine", clientHeaders(4), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	env := decodeEnvelope(t, w)
	var e Evaluation
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Status != StatusPaid {
		t.Fatalf("status = %s", e.Status)
	}

	// A client with no history gets an empty data field, not an error.
	w = doJSON(t, r, http.MethodGet, "/evaluations/mine", clientHeaders(5), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("empty mine status = %d", w.Code)
	}
}
