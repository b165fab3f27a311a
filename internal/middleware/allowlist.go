package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"timemap/internal/logger"
)

// 文档注释：写操作来源白名单
// 背景：启停图层、清空缓存、移动时间轴会影响所有观看者，仅允许受信来源调用；只读请求不受限。
// 约束：支持 IPv4/IPv6 单 IP 与 CIDR；列表为空时放行全部；真实来源 IP 以 RemoteAddr 为准，
// 部署在反向代理之后时通过 realIPHeader 指定上游头（取首个有效 IP）。
type Allowlist struct {
	allowIPs     map[string]struct{}
	allowCIDRs   []*net.IPNet
	realIPHeader string
}

func NewAllowlist(entries []string, realIPHeader string) (*Allowlist, error) {
	a := &Allowlist{allowIPs: map[string]struct{}{}, realIPHeader: strings.TrimSpace(realIPHeader)}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			_, n, err := net.ParseCIDR(e)
			if err != nil {
				return nil, fmt.Errorf("allowlist: %w", err)
			}
			a.allowCIDRs = append(a.allowCIDRs, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("allowlist: invalid ip %q", e)
		}
		a.allowIPs[ip.String()] = struct{}{}
	}
	return a, nil
}

func (a *Allowlist) empty() bool { return len(a.allowIPs) == 0 && len(a.allowCIDRs) == 0 }

// Allowed：判断 IP 是否在允许集合
func (a *Allowlist) Allowed(ip net.IP) bool {
	if a.empty() {
		return true
	}
	if ip == nil {
		return false
	}
	if _, ok := a.allowIPs[ip.String()]; ok {
		return true
	}
	for _, n := range a.allowCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Wrap：仅对非只读方法做来源校验，拒绝时返回 403
func (a *Allowlist) Wrap(next http.Handler) http.Handler {
	if a == nil || a.empty() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r, a.realIPHeader)
		if !a.Allowed(ip) {
			logger.L().Warn("write_blocked", "ip", fmt.Sprint(ip), "method", r.Method, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP：解析请求来源 IP；优先指定头的首个有效 IP
func ClientIP(r *http.Request, header string) net.IP {
	if header != "" {
		if raw := r.Header.Get(header); raw != "" {
			first := strings.TrimSpace(strings.Split(raw, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip
			}
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}
