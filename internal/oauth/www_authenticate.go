package oauth

import (
	"fmt"
	"regexp"
	"strings"
)

var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value into an
// AuthChallenge. Supported shapes:
//
//	Bearer realm="https://auth.example.com"
//	Bearer realm="https://auth.example.com", scope="openid profile"
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &AuthChallenge{Scheme: parts[0]}

	if len(parts) > 1 {
		params := parseAuthParams(parts[1])

		if realm, ok := params["realm"]; ok {
			challenge.Realm = realm
			if strings.HasPrefix(realm, "http://") || strings.HasPrefix(realm, "https://") {
				challenge.Issuer = realm
			}
		}
		if v, ok := params["resource_metadata"]; ok {
			challenge.ResourceMetadataURL = v
		}
		if v, ok := params["scope"]; ok {
			challenge.Scope = v
		}
		if v, ok := params["error"]; ok {
			challenge.Error = v
		}
		if v, ok := params["error_description"]; ok {
			challenge.ErrorDescription = v
		}
	}

	return challenge, nil
}

// parseAuthParams extracts key="value" pairs from the parameter portion
// of a WWW-Authenticate header.
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)
	for _, match := range authParamRegex.FindAllStringSubmatch(paramStr, -1) {
		params[strings.ToLower(match[1])] = match[2]
	}
	return params
}
