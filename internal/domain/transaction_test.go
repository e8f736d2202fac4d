package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     TransactionStatus
		to       TransactionStatus
		expected bool
	}{
		{StatusPending, StatusAwaitingReview, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusApproved, false},
		{StatusAwaitingReview, StatusApproved, true},
		{StatusAwaitingReview, StatusRejected, true},
		{StatusAwaitingReview, StatusError, true},
		{StatusAwaitingReview, StatusPending, false},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusAwaitingReview, false},
		{StatusRejected, StatusApproved, false},
		{StatusError, StatusAwaitingReview, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusAwaitingReview.IsTerminal())
	assert.True(t, StatusApproved.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
}

func TestSuggestionCorrect(t *testing.T) {
	tx := &Transaction{
		SuggestedClientID:     strPtr("client-1"),
		SuggestedPolicyID:     strPtr("policy-1"),
		ExtractedDocumentType: strPtr("policy_schedule"),
	}

	t.Run("三项全部一致", func(t *testing.T) {
		assert.True(t, tx.SuggestionCorrect(strPtr("client-1"), strPtr("policy-1"), strPtr("policy_schedule")))
	})

	t.Run("客户不一致", func(t *testing.T) {
		assert.False(t, tx.SuggestionCorrect(strPtr("client-2"), strPtr("policy-1"), strPtr("policy_schedule")))
	})

	t.Run("保单不一致", func(t *testing.T) {
		assert.False(t, tx.SuggestionCorrect(strPtr("client-1"), strPtr("policy-2"), strPtr("policy_schedule")))
	})

	t.Run("文档类型不一致", func(t *testing.T) {
		assert.False(t, tx.SuggestionCorrect(strPtr("client-1"), strPtr("policy-1"), strPtr("invoice")))
	})

	t.Run("建议为空时人工填写视为不一致", func(t *testing.T) {
		empty := &Transaction{}
		assert.False(t, empty.SuggestionCorrect(strPtr("client-1"), strPtr("policy-1"), nil))
	})
}

func TestApplyExtractionAndMatch(t *testing.T) {
	tx := &Transaction{}
	result := NewExtractionResult(
		FieldGuess{Value: strPtr("CL-42"), Confidence: 0.95},
		FieldGuess{Value: strPtr("DPK-100"), Confidence: 0.9},
		FieldGuess{Value: strPtr("policy_schedule"), Confidence: 0.99},
		FieldGuess{Value: strPtr("Acme Insurance"), Confidence: 0.5},
	)
	tx.ApplyExtraction(result)

	assert.Equal(t, "CL-42", *tx.ExtractedClientNumber)
	assert.Equal(t, 0.95, tx.AIOverallConfidence)
	assert.True(t, tx.DocumentTypeRecognised)

	tx.ApplyMatch(NoMatch())
	assert.Equal(t, MatchTypeNone, tx.MatchType)
	assert.Nil(t, tx.SuggestedClientID)
	assert.Equal(t, 0.0, tx.MatchConfidence)
}
