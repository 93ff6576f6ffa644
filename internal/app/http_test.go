package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"veridoc/api/internal/authpw"
	"veridoc/api/internal/workflow"
)

func newTestHTTP(t *testing.T) (*fakeStore, *Service, *httptest.Server) {
	t.Helper()
	fs := newFakeStore()
	svc := newTestService(fs)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(ts.Close)
	return fs, svc, ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthAndReady(t *testing.T) {
	_, _, ts := newTestHTTP(t)

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready = %d %v", resp.StatusCode, payload)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	_, _, ts := newTestHTTP(t)

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/documents", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("error code = %v", payload["code"])
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/documents", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestSignUpAndSessionEndpoint(t *testing.T) {
	_, _, ts := newTestHTTP(t)

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]any{
		"email":     "rae@example.com",
		"password":  "long enough",
		"legalName": "Rae Vested",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup = %d %v", resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("signup response missing token")
	}
	if payload["initials"] != "RV" {
		t.Fatalf("initials = %v, want RV", payload["initials"])
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/session", token, nil)
	if resp.StatusCode != http.StatusOK || payload["authenticated"] != true {
		t.Fatalf("session = %d %v", resp.StatusCode, payload)
	}
	if payload["legalName"] != "Rae Vested" {
		t.Fatalf("legalName = %v", payload["legalName"])
	}

	// Duplicate email.
	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]any{
		"email":     "rae@example.com",
		"password":  "long enough",
		"legalName": "Rae Vested",
	})
	if resp.StatusCode != http.StatusConflict || payload["code"] != "EMAIL_TAKEN" {
		t.Fatalf("duplicate signup = %d %v", resp.StatusCode, payload)
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	fs, svc, ts := newTestHTTP(t)
	ctx := context.Background()

	owner, err := svc.SignUp(ctx, authpw.SignUpRequest{
		Email:     "owner@example.com",
		Password:  "long enough",
		LegalName: "Olive Khan",
		Role:      "owner",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	token := owner.Token

	// Create.
	resp, doc := doJSON(t, http.MethodPost, ts.URL+"/api/documents", token, map[string]any{
		"title":          "Batch Record 12",
		"emptyCellCount": 4,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, doc)
	}
	documentID, _ := doc["id"].(string)
	if documentID == "" {
		t.Fatal("create response missing id")
	}
	if doc["stageName"] != "Draft" {
		t.Fatalf("stageName = %v, want Draft", doc["stageName"])
	}
	editTime := int64(doc["editTime"].(float64))

	advance := func(target workflow.Stage) {
		t.Helper()
		url := fmt.Sprintf("%s/api/documents/%s/stage", ts.URL, documentID)
		resp, entry := doJSON(t, http.MethodPost, url, token, map[string]any{
			"expectedEditTime": editTime,
			"target":           int(target),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("advance to %s = %d %v", target, resp.StatusCode, entry)
		}
		editTime = fs.docs[documentID].EditTime
	}
	advance(workflow.StageExternal)
	advance(workflow.StageUploaded)

	// Configure the PreApprove signing list before entering the stage.
	groupURL := fmt.Sprintf("%s/api/documents/%s/groups", ts.URL, documentID)
	resp, body := doJSON(t, http.MethodPut, groupURL, token, workflow.Group{
		Stage:        workflow.StagePreApprove,
		EnforceOrder: true,
		Participants: []workflow.Participant{
			{UserID: owner.UserID, Name: owner.LegalName, Initials: owner.Initials, Order: 0},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put groups = %d %v", resp.StatusCode, body)
	}
	if fs.groups[documentID][0].Participants[0].ID == "" {
		t.Fatal("server should assign participant IDs")
	}

	advance(workflow.StagePreApprove)

	// Sign.
	signURL := fmt.Sprintf("%s/api/documents/%s/sign", ts.URL, documentID)
	resp, entry := doJSON(t, http.MethodPost, signURL, token, map[string]any{
		"expectedEditTime": editTime,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign = %d %v", resp.StatusCode, entry)
	}
	if entry["newText"] != "Olive Khan" {
		t.Fatalf("signature text = %v, want legal name", entry["newText"])
	}
	if entry["documentId"] != documentID {
		t.Fatalf("documentId = %v", entry["documentId"])
	}
	editTime = fs.docs[documentID].EditTime

	// A replayed edit-time token is rejected with the stale envelope.
	resp, body = doJSON(t, http.MethodPost, signURL, token, map[string]any{
		"expectedEditTime": 1,
	})
	if resp.StatusCode != http.StatusConflict || body["code"] != "STALE_DOCUMENT" {
		t.Fatalf("stale sign = %d %v", resp.StatusCode, body)
	}

	// Audit trail lists the stage changes and the signature.
	auditURL := fmt.Sprintf("%s/api/documents/%s/audit", ts.URL, documentID)
	resp, body = doJSON(t, http.MethodGet, auditURL, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit = %d %v", resp.StatusCode, body)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 4 {
		t.Fatalf("audit entries = %d, want 4", len(entries))
	}

	// Open returns the current state with the groups.
	openURL := fmt.Sprintf("%s/api/documents/%s/open", ts.URL, documentID)
	resp, body = doJSON(t, http.MethodPost, openURL, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open = %d %v", resp.StatusCode, body)
	}
	fresh, _ := body["document"].(map[string]any)
	if fresh["stageName"] != "PreApprove" {
		t.Fatalf("open stageName = %v", fresh["stageName"])
	}
}

func TestGroupEditRejectedForNonSignStage(t *testing.T) {
	_, svc, ts := newTestHTTP(t)

	owner, err := svc.SignUp(context.Background(), authpw.SignUpRequest{
		Email:     "owner@example.com",
		Password:  "long enough",
		LegalName: "Olive Khan",
		Role:      "owner",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	resp, doc := doJSON(t, http.MethodPost, ts.URL+"/api/documents", owner.Token, map[string]any{
		"title": "BR-2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, doc)
	}
	documentID := doc["id"].(string)

	groupURL := fmt.Sprintf("%s/api/documents/%s/groups", ts.URL, documentID)
	resp, body := doJSON(t, http.MethodPut, groupURL, owner.Token, workflow.Group{
		Stage: workflow.StageDraft,
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_GROUP_STAGE" {
		t.Fatalf("draft group = %d %v", resp.StatusCode, body)
	}
}

func TestPasswordChangeRoute(t *testing.T) {
	_, _, ts := newTestHTTP(t)

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]any{
		"email":     "pat@example.com",
		"password":  "first secret",
		"legalName": "Pat Moss",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup = %d %v", resp.StatusCode, payload)
	}
	token := payload["token"].(string)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/auth/password", token, map[string]any{
		"currentPassword": "wrong guess",
		"newPassword":     "second secret",
	})
	if resp.StatusCode != http.StatusForbidden || body["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("wrong current password = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/auth/password", token, map[string]any{
		"currentPassword": "first secret",
		"newPassword":     "second secret",
	})
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("password change = %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/auth/signin", "", map[string]any{
		"email":    "pat@example.com",
		"password": "second secret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin with new password = %d %v", resp.StatusCode, body)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	fs, svc, ts := newTestHTTP(t)
	svc.history = newFakeHistory()

	owner, err := svc.SignUp(context.Background(), authpw.SignUpRequest{
		Email:     "owner@example.com",
		Password:  "long enough",
		LegalName: "Olive Khan",
		Role:      "owner",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	resp, doc := doJSON(t, http.MethodPost, ts.URL+"/api/documents", owner.Token, map[string]any{
		"title": "BR-3",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, doc)
	}
	documentID := doc["id"].(string)
	editTime := int64(doc["editTime"].(float64))

	stageURL := fmt.Sprintf("%s/api/documents/%s/stage", ts.URL, documentID)
	resp, body := doJSON(t, http.MethodPost, stageURL, owner.Token, map[string]any{
		"expectedEditTime": editTime,
		"target":           int(workflow.StageExternal),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance = %d %v", resp.StatusCode, body)
	}

	snapURL := fmt.Sprintf("%s/api/documents/%s/snapshot", ts.URL, documentID)
	resp, body = doJSON(t, http.MethodGet, snapURL, owner.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot = %d %v", resp.StatusCode, body)
	}
	snap, _ := body["snapshot"].(map[string]any)
	if snap["stage"] != float64(workflow.StageExternal) {
		t.Fatalf("snapshot stage = %v, want External", snap["stage"])
	}
	if snap["editTime"] != float64(fs.docs[documentID].EditTime) {
		t.Fatalf("snapshot editTime = %v, want %d", snap["editTime"], fs.docs[documentID].EditTime)
	}
	commit, _ := body["commit"].(map[string]any)
	hash, _ := commit["hash"].(string)
	if hash == "" {
		t.Fatal("snapshot commit hash missing")
	}

	resp, body = doJSON(t, http.MethodGet, snapURL+"?hash="+hash, owner.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot by hash = %d %v", resp.StatusCode, body)
	}
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	_, _, ts := newTestHTTP(t)

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if payload["code"] != "NOT_FOUND" || payload["error"] == nil {
		t.Fatalf("envelope = %v", payload)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Fatal("expected request id header")
	}
}
