package domain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultProtocol = "http"
	DefaultQuota    = 15
)

var ErrInvalidProxy = errors.New("invalid proxy address")

// Proxy is a validated forward proxy together with its remaining usage budget.
// Rows only exist after at least one successful probe.
type Proxy struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement"`
	Host          string     `gorm:"not null;size:255;uniqueIndex:idx_proxies_host_port,priority:1"`
	Port          uint16     `gorm:"not null;uniqueIndex:idx_proxies_host_port,priority:2"`
	Protocol      string     `gorm:"not null;size:16;default:'http'"`
	Quota         int        `gorm:"not null;default:15;index"`
	LastValidated *time.Time `gorm:"column:last_validated"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
}

func (Proxy) TableName() string {
	return "proxies"
}

func (p Proxy) GetFullProxy() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// ParseProxy splits a "host:port" identity key. IPv6 hosts are not accepted
// since the host must not contain a colon.
func ParseProxy(raw string) (Proxy, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Proxy{}, ErrInvalidProxy
	}

	idx := strings.LastIndex(trimmed, ":")
	if idx <= 0 || idx == len(trimmed)-1 {
		return Proxy{}, fmt.Errorf("%w: %q", ErrInvalidProxy, raw)
	}

	host := trimmed[:idx]
	portStr := trimmed[idx+1:]
	if strings.ContainsAny(host, ": \t/") {
		return Proxy{}, fmt.Errorf("%w: %q", ErrInvalidProxy, raw)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Proxy{}, fmt.Errorf("%w: port %q", ErrInvalidProxy, portStr)
	}

	return Proxy{
		Host:     host,
		Port:     uint16(port),
		Protocol: DefaultProtocol,
		Quota:    DefaultQuota,
	}, nil
}
