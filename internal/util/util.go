package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// GenRandomString returns prefix followed by n random bytes, url-safe base64 encoded.
func GenRandomString(prefix []byte, n int) string {
	b := append(append([]byte(nil), prefix...), GenRandomBytes(n)...)
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenRandomBytes panics when the system random source fails.
func GenRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func JsonWrite(w http.ResponseWriter, v interface{}) {
	JsonWriteStatus(w, http.StatusOK, v)
}

func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func JsonError(w http.ResponseWriter, status int, msg string) {
	JsonWriteStatus(w, status, map[string]string{"error": msg})
}

func GenUUID() string {
	return uuid.NewString()
}
