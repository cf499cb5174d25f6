// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zoo2538/youtubepulse-sub002/internal/auth"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "test-user-123"
	deviceID := "test-device-456"

	token, err := jwtAuth.GenerateToken(userID, deviceID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.DeviceID != deviceID {
		t.Errorf("Expected device_id %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}
	if claims.Issuer != "youtubepulse-sync" {
		t.Errorf("Expected issuer 'youtubepulse-sync', got %s", claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("Token should have expiration time")
	}
	timeDiff := claims.ExpiresAt.Time.Sub(time.Now().Add(time.Hour)).Abs()
	if timeDiff > time.Second {
		t.Errorf("Token expiry off by more than 1s: %v", timeDiff)
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user", "device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Error("Token signed with a different secret should not validate")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user", "device", -time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Error("Expired token should not validate")
	}
}

func TestJWTAuth_RequestExtraction(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	sourceID, err := jwtAuth.GetSourceID(req)
	if err != nil {
		t.Fatalf("GetSourceID failed: %v", err)
	}
	if sourceID != "device-1" {
		t.Errorf("GetSourceID = %q, want device-1", sourceID)
	}

	userID, err := jwtAuth.GetUserID(req)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("GetUserID = %q, want user-1", userID)
	}

	// Missing and malformed headers are rejected.
	bare := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	if _, err := jwtAuth.GetUserID(bare); err == nil {
		t.Error("request without Authorization header should fail")
	}
	bare.Header.Set("Authorization", token)
	if _, err := jwtAuth.GetUserID(bare); err == nil {
		t.Error("non-bearer Authorization header should fail")
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var gotUser, gotSource string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.UserID(r.Context())
		gotSource, _ = auth.SourceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if gotUser != "user-1" || gotSource != "device-1" {
		t.Errorf("identity in context = %q/%q", gotUser, gotSource)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sync/download", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rr.Code)
	}
}
