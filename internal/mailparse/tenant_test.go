package mailparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTenant(t *testing.T) {
	const id = "7b1e2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

	tests := []struct {
		name     string
		address  string
		expected TenantRef
		ok       bool
	}{
		{"UUID本地部分", id + "@northbroker.example", TenantRef{ID: id, Subdomain: "northbroker"}, true},
		{"带显示名", "Docs <" + id + "@northbroker.example>", TenantRef{ID: id, Subdomain: "northbroker"}, true},
		{"大写地址", "7B1E2C3D-4E5F-4A6B-8C7D-9E0F1A2B3C4D@NorthBroker.Example", TenantRef{ID: id, Subdomain: "northbroker"}, true},
		{"broker前缀本地部分", "broker-" + id + "@northbroker.example", TenantRef{ID: id, Subdomain: "northbroker"}, true},
		{"旧格式broker子域名", "documents@broker-" + id + ".example", TenantRef{ID: id}, true},
		{"旧格式子域名", "documents@northbroker.example", TenantRef{Subdomain: "northbroker"}, true},
		{"非UUID本地部分", "someone@northbroker.example", TenantRef{}, false},
		{"根域名不匹配", id + "@northbroker.other", TenantRef{}, false},
		{"多级子域名", id + "@a.b.example", TenantRef{}, false},
		{"直接发到根域名", id + "@example", TenantRef{}, false},
		{"空地址", "", TenantRef{}, false},
		{"缺少@", "documents.example", TenantRef{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := ResolveTenant(tt.address, "example")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, ref)
		})
	}
}

func TestResolveTenantMultiLabelMailDomain(t *testing.T) {
	ref, ok := ResolveTenant("documents@acme.mail.brokers.io", "mail.brokers.io")
	assert.True(t, ok)
	assert.Equal(t, "acme", ref.Subdomain)
}
