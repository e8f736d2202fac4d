package smtp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/service"
)

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) IngestDelivery(ctx context.Context, d service.Delivery) (*service.IngestResult, error) {
	args := m.Called(ctx, d)
	res, _ := args.Get(0).(*service.IngestResult)
	return res, args.Error(1)
}

// stubResolver 只识别 *@northbroker.example
type stubResolver struct {
	err error
}

func (r stubResolver) Resolve(_ context.Context, hint service.TenantHint) (*domain.Tenant, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	if strings.HasSuffix(hint.Recipients[0], "@northbroker.example") {
		return &domain.Tenant{ID: "t1", Subdomain: "northbroker"}, hint.Recipients[0], nil
	}
	return nil, "", service.ErrUnresolvableRecipient
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code
}

func newSession(t *testing.T, b *Backend) *session {
	t.Helper()
	sess, err := b.NewSession(nil)
	require.NoError(t, err)
	return sess.(*session)
}

func TestRcptAcceptsOnlyTenantAddresses(t *testing.T) {
	b := NewBackend(&MockIngester{}, stubResolver{}, nil, 0, nil)
	s := newSession(t, b)

	require.NoError(t, s.Rcpt("<Docs@NorthBroker.example>", nil))
	assert.Equal(t, []string{"docs@northbroker.example"}, s.recipients)

	assert.Equal(t, 550, smtpCode(t, s.Rcpt("someone@elsewhere.test", nil)))
	assert.Equal(t, 501, smtpCode(t, s.Rcpt("not-an-address", nil)))

	failing := newSession(t, NewBackend(&MockIngester{}, stubResolver{err: fmt.Errorf("db down")}, nil, 0, nil))
	assert.Equal(t, 451, smtpCode(t, failing.Rcpt("docs@northbroker.example", nil)))
}

func TestDataIngestsWithRecipients(t *testing.T) {
	ingester := &MockIngester{}
	ingester.On("IngestDelivery", mock.Anything, mock.MatchedBy(func(d service.Delivery) bool {
		return d.Source == domain.SourceSMTP &&
			len(d.Recipients) == 1 && d.Recipients[0] == "docs@northbroker.example" &&
			string(d.Raw) == "Subject: hi\r\n\r\nbody"
	})).Return(&service.IngestResult{TransactionID: "tx-1", AttachmentsProcessed: 1}, nil).Once()

	s := newSession(t, NewBackend(ingester, stubResolver{}, nil, 0, nil))
	require.NoError(t, s.Mail("ops@insurer.example", nil))
	require.NoError(t, s.Rcpt("docs@northbroker.example", nil))
	require.NoError(t, s.Data(strings.NewReader("Subject: hi\r\n\r\nbody")))
	ingester.AssertExpectations(t)

	s.Reset()
	assert.Empty(t, s.recipients)
	assert.Empty(t, s.from)
}

func TestDataErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"格式错误", fmt.Errorf("%w: bad mime", domain.ErrValidation), 554},
		{"租户不存在", fmt.Errorf("tenant %w", domain.ErrNotFound), 550},
		{"超过速率", fmt.Errorf("%w: too many", domain.ErrRateLimited), 451},
		{"存储故障", errors.New("disk full"), 451},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ingester := &MockIngester{}
			ingester.On("IngestDelivery", mock.Anything, mock.Anything).Return(nil, tc.err)

			s := newSession(t, NewBackend(ingester, stubResolver{}, nil, 0, nil))
			require.NoError(t, s.Rcpt("docs@northbroker.example", nil))
			assert.Equal(t, tc.code, smtpCode(t, s.Data(strings.NewReader("Subject: x\r\n\r\n"))))
		})
	}

	t.Run("重复投递视为成功", func(t *testing.T) {
		ingester := &MockIngester{}
		ingester.On("IngestDelivery", mock.Anything, mock.Anything).Return(nil, domain.ErrDuplicateDelivery)
		s := newSession(t, NewBackend(ingester, stubResolver{}, nil, 0, nil))
		assert.NoError(t, s.Data(strings.NewReader("Subject: x\r\n\r\n")))
	})
}

func TestDataRejectsOversizedMessage(t *testing.T) {
	ingester := &MockIngester{}
	s := newSession(t, NewBackend(ingester, stubResolver{}, nil, 8, nil))
	assert.Equal(t, 552, smtpCode(t, s.Data(strings.NewReader(strings.Repeat("x", 9)))))
	ingester.AssertNotCalled(t, "IngestDelivery", mock.Anything, mock.Anything)
}

func TestSessionsRespectConnectionLimit(t *testing.T) {
	b := NewBackend(&MockIngester{}, stubResolver{}, NewConnectionLimiter(1, 0), 0, nil)

	first := newSession(t, b)
	_, err := b.NewSession(nil)
	assert.Equal(t, 421, smtpCode(t, err))

	require.NoError(t, first.Logout())
	require.NoError(t, first.Logout())
	assert.Equal(t, 0, b.limiter.Current())

	_, err = b.NewSession(nil)
	assert.NoError(t, err)
}

func TestConnectionLimiterRate(t *testing.T) {
	l := NewConnectionLimiter(0, 2)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
	assert.Equal(t, 2, l.Current())
}
