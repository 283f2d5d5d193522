// Package rfc9211 builds the Cache-Status HTTP response header field.
// See https://www.rfc-editor.org/rfc/rfc9211.
package rfc9211

import (
	"strconv"
	"strings"
)

// CacheName identifies this cache in Cache-Status members.
const CacheName = "Always-Offline"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
)

// CacheStatus is a single Cache-Status list member.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Status code of the forwarded response, if any.
	FwdStatus int
	// The response was stored by this cache.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	parts := []string{CacheName}
	switch cs.Status {
	case StatusHit:
		parts = append(parts, "hit")
	case StatusFwd:
		if cs.FwdReason != "" {
			parts = append(parts, "fwd="+string(cs.FwdReason))
		}
		if cs.FwdStatus != 0 {
			parts = append(parts, "fwd-status="+strconv.Itoa(cs.FwdStatus))
		}
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+strconv.Quote(cs.Detail))
	}
	return strings.Join(parts, "; ")
}
