// Package auth implements the HMAC-SHA256 signature schemes used for
// channel subscriptions and admin API requests.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"wavehub/internal/apps"
)

// ChannelSignature computes the hex signature for a channel subscription:
// HMAC_SHA256(secret, "{socket_id}:{channel}[:{channel_data}]").
func ChannelSignature(secret, socketID, channel, channelData string) string {
	s := socketID + ":" + channel
	if channelData != "" {
		s += ":" + channelData
	}
	return hmacHex(secret, s)
}

// VerifyChannelAuth checks the auth string a client presents on subscribe,
// of the form "{app.key}:{hex_signature}". Comparison is constant-time.
func VerifyChannelAuth(app *apps.App, auth, socketID, channel, channelData string) bool {
	idx := strings.LastIndexByte(auth, ':')
	if idx < 0 {
		return false
	}
	key, presented := auth[:idx], auth[idx+1:]
	if key != app.Key {
		return false
	}
	expected := ChannelSignature(app.Secret, socketID, channel, channelData)
	return hmac.Equal([]byte(presented), []byte(expected))
}

// RequestSignature computes the admin API signature over
// "{METHOD}\n{path}\n{sorted query}". auth_signature and body_md5 are
// stripped from the supplied query; when the body is non-empty its MD5 hex
// digest is appended as body_md5 before sorting.
func RequestSignature(secret, method, path string, query url.Values, body []byte) string {
	params := make([]string, 0, len(query)+1)
	for k, vs := range query {
		if k == "auth_signature" || k == "body_md5" {
			continue
		}
		for _, v := range vs {
			params = append(params, k+"="+v)
		}
	}
	if len(body) > 0 {
		sum := md5.Sum(body)
		params = append(params, "body_md5="+hex.EncodeToString(sum[:]))
	}
	sort.Strings(params)

	s := strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(params, "&")
	return hmacHex(secret, s)
}

// VerifyRequest checks the auth_signature query parameter of an admin API
// request. Comparison is constant-time.
func VerifyRequest(app *apps.App, method, path string, query url.Values, body []byte) bool {
	presented := query.Get("auth_signature")
	if presented == "" {
		return false
	}
	expected := RequestSignature(app.Secret, method, path, query, body)
	return hmac.Equal([]byte(presented), []byte(expected))
}

func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
