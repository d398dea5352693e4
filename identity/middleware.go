// Package identity resolves the authenticated caller. Authentication itself
// happens in the upstream gateway; this service trusts the identity headers
// the gateway injects after validating the session.
package identity

import (
	"net/http"
	"strconv"

	"verdantly-core/httpapi"

	"github.com/gin-gonic/gin"
)

const (
	headerClientID    = "X-Client-ID"
	headerTherapistID = "X-Therapist-ID"
)

// ClientID returns the authenticated client id, if present.
func ClientID(c *gin.Context) (int, bool) {
	return headerInt(c, headerClientID)
}

// TherapistID returns the authenticated therapist id, if present.
func TherapistID(c *gin.Context) (int, bool) {
	return headerInt(c, headerTherapistID)
}

func headerInt(c *gin.Context, header string) (int, bool) {
	raw := c.GetHeader(header)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RequireClient aborts with 401 unless a client identity is present.
func RequireClient() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ClientID(c); !ok {
			httpapi.Error(c, http.StatusUnauthorized, "client identity required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireTherapist aborts with 401 unless a therapist identity is present.
func RequireTherapist() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := TherapistID(c); !ok {
			httpapi.Error(c, http.StatusUnauthorized, "therapist identity required")
			c.Abort()
			return
		}
		c.Next()
	}
}
