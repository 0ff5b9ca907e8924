package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// IP Utility Functions
//
// collector 는 보통 ALB/CloudFront 뒤에 배치되므로
// RemoteAddr 만으로는 실제 사용자 IP를 알 수 없다.
// 프록시 헤더에서는 public IP 만 신뢰하고,
// 아무것도 없으면 RemoteAddr 를 literal 로 기록한다
// (직접 붙은 로컬 트래픽은 loopback 그대로 남는다).
// ------------------------------------------------------------

// isPublicIP:
//   - private / loopback / link-local 등이 아닌 경우 true
//   - X-Forwarded-For에서 내부 hop IP를 제외하기 위해 필요
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP:
//
// envelope 에 기록할 클라이언트 IP를 추출.
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. CloudFront-Viewer-Address → 포트 제거 후 public IP
//  3. RemoteAddr → public 여부와 무관하게 literal 기록
//
// 3에서 public 검사를 하지 않는 것이 의도다: 프록시 없이 직접 붙은
// 연결은 그 주소가 곧 클라이언트다 (로컬 테스트의 127.0.0.1 포함).
func clientIP(r *http.Request) string {

	// 1) X-Forwarded-For (ALB)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// 예: "203.0.113.1, 10.0.1.24"
		parts := strings.Split(xff, ",")
		for _, part := range parts {
			ip := safeParseIP(part)
			if isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	// 2) CloudFront-Viewer-Address
	// 예: "203.0.113.55:44321" 또는 "2404:6800:4004::200e:44321"
	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		host := cf
		// 마지막 ":" 를 기준으로 포트 제거 (IPv6 포함 대응)
		if i := strings.LastIndex(cf, ":"); i != -1 {
			host = cf[:i]
		}
		ip := safeParseIP(host)
		if isPublicIP(ip) {
			return ip.String()
		}
	}

	// 3) RemoteAddr literal
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := safeParseIP(host); ip != nil {
			return ip.String()
		}
	}

	return ""
}
