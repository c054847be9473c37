package gate

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Headers read by Middleware.
const (
	HeaderSubject = "X-Subject-ID"
	HeaderAction  = "X-Risk-Action"
	HeaderDevice  = "X-Device-Fingerprint"
	HeaderGeoLat  = "X-Geo-Lat"
	HeaderGeoLng  = "X-Geo-Lng"
	HeaderChannel = "X-Client-Channel"

	// ContextKeyDecision holds the *Decision for allowed requests.
	ContextKeyDecision = "riskDecision"
	// ContextKeySubject is read before the subject header, so an auth
	// middleware upstream can set it.
	ContextKeySubject = "authSubjectID"
)

// MiddlewareConfig customizes how requests map onto gate Requests.
type MiddlewareConfig struct {
	// Subject extracts the acting subject. Defaults to the
	// ContextKeySubject value, then the X-Subject-ID header.
	Subject func(c *gin.Context) string
	// Action names the tracked action. Defaults to the X-Risk-Action
	// header, then "route:<METHOD> <full path>".
	Action func(c *gin.Context) string
}

func (cfg MiddlewareConfig) withDefaults() MiddlewareConfig {
	if cfg.Subject == nil {
		cfg.Subject = func(c *gin.Context) string {
			if s := c.GetString(ContextKeySubject); s != "" {
				return s
			}
			return c.GetHeader(HeaderSubject)
		}
	}
	if cfg.Action == nil {
		cfg.Action = func(c *gin.Context) string {
			return c.GetHeader(HeaderAction)
		}
	}
	return cfg
}

// Middleware guards routes. A request is evaluated when its path matches a
// sensitive route glob or it names a tracked action; everything else passes
// through untouched. block answers 403, step_up answers 401 with
// verification_required. Neither response carries the reasons.
func Middleware(g *Gate, cfg MiddlewareConfig) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		action := cfg.Action(c)
		routeSensitive := g.policy.Current().IsSensitiveRoute(path)
		if action == "" && !routeSensitive {
			c.Next()
			return
		}
		if action == "" {
			action = "route:" + c.Request.Method + " " + c.FullPath()
		}

		subject := cfg.Subject(c)
		if subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authenticated subject required",
			})
			return
		}

		req := Request{
			Subject: subject,
			Action:  action,
			Route:   path,
			API:     strings.EqualFold(c.GetHeader(HeaderChannel), "api"),
			Device:  c.GetHeader(HeaderDevice),
			IP:      c.ClientIP(),
		}
		if loc, ok := locationFromHeaders(c); ok {
			req.Location = loc
		}

		d := g.Evaluate(c.Request.Context(), req)
		switch d.Verdict {
		case VerdictBlock:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "action_not_permitted",
				"message": VerdictBlock.PublicMessage(),
			})
		case VerdictStepUp:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "verification_required",
				"message": VerdictStepUp.PublicMessage(),
			})
		default:
			c.Set(ContextKeyDecision, d)
			c.Next()
		}
	}
}

func locationFromHeaders(c *gin.Context) (*Location, bool) {
	latRaw, lngRaw := c.GetHeader(HeaderGeoLat), c.GetHeader(HeaderGeoLng)
	if latRaw == "" || lngRaw == "" {
		return nil, false
	}
	lat, err1 := strconv.ParseFloat(latRaw, 64)
	lng, err2 := strconv.ParseFloat(lngRaw, 64)
	if err1 != nil || err2 != nil {
		return nil, false
	}
	return &Location{Lat: lat, Lng: lng}, true
}
