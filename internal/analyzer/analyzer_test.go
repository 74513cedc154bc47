package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return New(Config{}, zaptest.NewLogger(t))
}

func TestAnalyzeArabicHelpRequest(t *testing.T) {
	a := newTestAnalyzer(t)

	result := a.Analyze("محتاج مساعدة في واجب الرياضيات عاجل")

	assert.True(t, result.IsHelpRequest)
	assert.Contains(t, result.Services, "واجبات")
	assert.Greater(t, result.Confidence, a.Threshold())
	assert.Equal(t, 5, result.UrgencyLevel)
	assert.Equal(t, "ar", result.Language)
	assert.NotEmpty(t, result.KeywordsFound)
}

func TestAnalyzePresentationRequest(t *testing.T) {
	a := newTestAnalyzer(t)

	result := a.Analyze("من يقدر يسوي لي برزنتيشن عن الذكاء الاصطناعي؟")

	assert.True(t, result.IsHelpRequest)
	assert.Contains(t, result.Services, "عروض")
	assert.Greater(t, result.Confidence, 0.0)
}

func TestAnalyzeGreetingIsNotWork(t *testing.T) {
	a := newTestAnalyzer(t)

	result := a.Analyze("السلام عليكم، كيف حالكم؟")

	assert.False(t, result.IsHelpRequest)
	assert.Empty(t, result.Services)
	assert.Zero(t, result.Confidence)
}

func TestAnalyzePatternOnlyRequest(t *testing.T) {
	a := newTestAnalyzer(t)

	// A request pattern without any service keyword is still flagged as a
	// help request, but scores no confidence.
	result := a.Analyze("Need help with my chemistry homework urgently!")

	assert.True(t, result.IsHelpRequest)
	assert.Empty(t, result.Services)
	assert.Zero(t, result.Confidence)
	assert.Equal(t, 5, result.UrgencyLevel)
	assert.Equal(t, "en", result.Language)
}

func TestAnalyzeShortMessage(t *testing.T) {
	a := newTestAnalyzer(t)

	result := a.Analyze("ok")

	assert.False(t, result.IsHelpRequest)
	assert.Equal(t, "unknown", result.Language)
	assert.Equal(t, 1, result.UrgencyLevel)
}

func TestAnalyzeNegativeIndicatorsReduceConfidence(t *testing.T) {
	a := newTestAnalyzer(t)

	open := a.Analyze("محتاج تقرير عن الاقتصاد")
	closed := a.Analyze("تم إنهاء تقرير الاقتصاد شكراً")

	assert.Less(t, closed.Confidence, open.Confidence)
}

func TestDetectLanguage(t *testing.T) {
	a := newTestAnalyzer(t)

	cases := []struct {
		text string
		want string
	}{
		{"محتاج مساعدة في الواجب المنزلي", "ar"},
		{"looking for a graphic designer", "en"},
		{"محتاج presentation design عن الذكاء", "mixed"},
		{"12345 678", "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, a.detectLanguage(tc.text), tc.text)
	}
}

func TestCleanTextStripsPunctuation(t *testing.T) {
	a := newTestAnalyzer(t)

	assert.Equal(t, "محتاج مساعدة help", a.cleanText("محتاج... مساعدة!!! (help)"))
}

func TestCustomServiceKeywords(t *testing.T) {
	a := New(Config{
		ServiceKeywords: map[string][]string{
			"translation": {"ترجمة", "translate"},
		},
	}, zaptest.NewLogger(t))

	result := a.Analyze("محتاج ترجمة مستند رسمي")
	require.Contains(t, result.Services, "translation")

	// The built-in tables are replaced, not merged.
	other := a.Analyze("محتاج مساعدة في واجب الرياضيات")
	assert.NotContains(t, other.Services, "واجبات")
}

func TestConfidenceIsBounded(t *testing.T) {
	a := newTestAnalyzer(t)

	result := a.Analyze("محتاج مساعدة عاجل في واجب بحث مشروع تقرير تلخيص عرض برزنتيشن تصميم شرح توضيح ماجستير مشروع تخرج للمادة في الجروب")

	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 100.0)
	assert.True(t, result.IsHelpRequest)
}
