package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext(method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return c, w
}

func TestQueryList(t *testing.T) {
	c, _ := testContext(http.MethodGet, "/?child_id=a,b&child_id=c&child_id=+,", "")
	assert.Equal(t, []string{"a", "b", "c"}, queryList(c, "child_id"))
	assert.Nil(t, queryList(c, "missing"))
}

func TestQueryLimit(t *testing.T) {
	cases := map[string]struct {
		limit int
		ok    bool
	}{
		"":     {0, true},
		"25":   {25, true},
		"1000": {1000, true},
		"1001": {0, false},
		"-1":   {0, false},
		"many": {0, false},
	}
	for raw, tc := range cases {
		c, _ := testContext(http.MethodGet, "/?limit="+raw, "")
		n, err := queryLimit(c)
		if !tc.ok {
			require.Error(t, err, raw)
			assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
			continue
		}
		require.NoError(t, err, raw)
		assert.Equal(t, tc.limit, n)
	}
}

func TestQueryTime(t *testing.T) {
	c, _ := testContext(http.MethodGet, "/?since=2026-06-01T10:00:00Z&bad=yesterday", "")
	got, err := queryTime(c, "since")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)))

	got, err = queryTime(c, "absent")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = queryTime(c, "bad")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestBindJSON(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	c, _ := testContext(http.MethodPost, "/", "")
	require.NoError(t, bindJSON(c, &v), "empty body is allowed")

	c, _ = testContext(http.MethodPost, "/", `{"name":"Mia"}`)
	require.NoError(t, bindJSON(c, &v))
	assert.Equal(t, "Mia", v.Name)

	c, _ = testContext(http.MethodPost, "/", `{"name":`)
	err := bindJSON(c, &v)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestIfMatchVersion(t *testing.T) {
	for header, want := range map[string]int64{`"3"`: 3, "7": 7, `"0"`: 0, "W/x": 0, "": 0} {
		c, _ := testContext(http.MethodPost, "/", "")
		if header != "" {
			c.Request.Header.Set("If-Match", header)
		}
		got, ok := ifMatchVersion(c)
		assert.Equal(t, want, got, header)
		assert.Equal(t, want > 0, ok, header)
	}
}

func TestWriteAppErrorUsesEnvelope(t *testing.T) {
	c, w := testContext(http.MethodGet, "/", "")
	writeAppError(c, errors.New(errors.ErrCodeChildOutOfScope, "child is outside your scope"))
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(errors.ErrCodeChildOutOfScope))
}
