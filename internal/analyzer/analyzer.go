package analyzer

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
)

// Config defines classifier tuning. Zero values fall back to the built-in
// keyword tables.
type Config struct {
	// ServiceKeywords maps a service name to the keywords that indicate it.
	ServiceKeywords map[string][]string

	// ConfidenceThreshold is the minimum confidence for a message to be
	// treated as actionable work.
	ConfidenceThreshold float64
}

// Analyzer scores inbound messages with keyword and pattern heuristics.
type Analyzer struct {
	logger             *zap.Logger
	serviceKeywords    map[string][]string
	requestPatterns    []*regexp.Regexp
	requestIndicators  map[string][]string
	contextIndicators  map[string][]string
	negativeIndicators []string
	urgencyKeywords    map[int][]string
	threshold          float64

	arabicRe   *regexp.Regexp
	englishRe  *regexp.Regexp
	cleanRe    *regexp.Regexp
	spaceRe    *regexp.Regexp
	sentenceRe *regexp.Regexp
}

// New creates an analyzer. Keyword tables default to the built-in sets when
// not configured.
func New(cfg Config, logger *zap.Logger) *Analyzer {
	keywords := cfg.ServiceKeywords
	if len(keywords) == 0 {
		keywords = defaultServiceKeywords
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultConfidenceThreshold
	}

	patterns := make([]*regexp.Regexp, 0, len(requestPatternSources))
	for _, src := range requestPatternSources {
		patterns = append(patterns, regexp.MustCompile(src))
	}

	return &Analyzer{
		logger:             logger.Named("analyzer"),
		serviceKeywords:    keywords,
		requestPatterns:    patterns,
		requestIndicators:  defaultRequestIndicators,
		contextIndicators:  defaultContextIndicators,
		negativeIndicators: defaultNegativeIndicators,
		urgencyKeywords:    defaultUrgencyKeywords,
		threshold:          threshold,

		arabicRe:   regexp.MustCompile(`\p{Arabic}`),
		englishRe:  regexp.MustCompile(`[a-zA-Z]`),
		cleanRe:    regexp.MustCompile(`[^\w\s\p{Arabic}]`),
		spaceRe:    regexp.MustCompile(`\s+`),
		sentenceRe: regexp.MustCompile(`[.!?،؛؟]+`),
	}
}

// Threshold returns the configured confidence threshold.
func (a *Analyzer) Threshold() float64 { return a.threshold }

// Analyze scores one message. Messages shorter than five characters are
// never work.
func (a *Analyzer) Analyze(text string) model.AnalysisResult {
	if len([]rune(text)) < 5 {
		return model.AnalysisResult{UrgencyLevel: 1, Language: "unknown"}
	}

	lower := strings.ToLower(text)
	services, keywordsFound := a.extractServices(lower)
	requestMatches := a.countRequestMatches(lower)
	indicators := a.findRequestIndicators(lower)
	contexts := a.extractContexts(lower)
	quality := a.messageQuality(text)
	language := a.detectLanguage(text)

	confidence := a.confidence(services, lower, requestMatches, contexts, quality, language)
	isHelpRequest := len(services) > 0 || requestMatches > 0 || len(indicators) > 0

	return model.AnalysisResult{
		IsHelpRequest:     isHelpRequest,
		Services:          services,
		Confidence:        confidence,
		KeywordsFound:     keywordsFound,
		ContextIndicators: contexts,
		UrgencyLevel:      a.urgency(lower),
		MessageQuality:    quality,
		Language:          language,
		ProcessedText:     a.cleanText(text),
	}
}

// cleanText strips punctuation while preserving Arabic and Latin words.
func (a *Analyzer) cleanText(text string) string {
	cleaned := a.cleanRe.ReplaceAllString(text, " ")
	cleaned = a.spaceRe.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// detectLanguage classifies the text as "ar", "en", "mixed" or "unknown".
func (a *Analyzer) detectLanguage(text string) string {
	arabic := len(a.arabicRe.FindAllString(text, -1))
	english := len(a.englishRe.FindAllString(text, -1))
	total := arabic + english
	if total == 0 {
		return "unknown"
	}

	ratio := float64(arabic) / float64(total)
	switch {
	case ratio > 0.7:
		return "ar"
	case ratio < 0.3:
		return "en"
	default:
		return "mixed"
	}
}

// messageQuality scores text 0..1 on length, clarity and repetition.
func (a *Analyzer) messageQuality(text string) float64 {
	if text == "" {
		return 0
	}

	length := len([]rune(text))
	var lengthScore float64
	switch {
	case length < 10:
		lengthScore = 0.3
	case length <= 200:
		lengthScore = 1.0
	case length <= 500:
		lengthScore = 0.8
	default:
		lengthScore = 0.5
	}

	sentences := a.sentenceRe.Split(text, -1)
	totalWords := 0
	for _, s := range sentences {
		totalWords += len(strings.Fields(s))
	}
	avgSentenceLen := 0.0
	if len(sentences) > 0 {
		avgSentenceLen = float64(totalWords) / float64(len(sentences))
	}
	clarityScore := 0.7
	if avgSentenceLen >= 5 && avgSentenceLen <= 20 {
		clarityScore = 1.0
	}

	words := strings.Fields(strings.ToLower(text))
	repetition := 0.0
	if len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		repetition = float64(len(unique)) / float64(len(words))
	}

	return lengthScore*0.4 + clarityScore*0.4 + repetition*0.2
}

// extractServices returns matched service names ordered by match count,
// plus the full set of matched keywords.
func (a *Analyzer) extractServices(lower string) ([]string, []string) {
	type match struct {
		service string
		count   int
	}

	var matches []match
	keywordSet := make(map[string]struct{})
	for service, keywords := range a.serviceKeywords {
		count := 0
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				count++
				keywordSet[kw] = struct{}{}
			}
		}
		if count > 0 {
			matches = append(matches, match{service: service, count: count})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].count != matches[j].count {
			return matches[i].count > matches[j].count
		}
		return matches[i].service < matches[j].service
	})

	services := make([]string, 0, len(matches))
	for _, m := range matches {
		services = append(services, m.service)
	}

	keywordsFound := make([]string, 0, len(keywordSet))
	for kw := range keywordSet {
		keywordsFound = append(keywordsFound, kw)
	}
	sort.Strings(keywordsFound)
	return services, keywordsFound
}

func (a *Analyzer) countRequestMatches(lower string) int {
	count := 0
	for _, re := range a.requestPatterns {
		if re.MatchString(lower) {
			count++
		}
	}
	return count
}

func (a *Analyzer) findRequestIndicators(lower string) []string {
	var found []string
	for category, indicators := range a.requestIndicators {
		for _, ind := range indicators {
			if strings.Contains(lower, strings.ToLower(ind)) {
				found = append(found, category+":"+ind)
			}
		}
	}
	sort.Strings(found)
	return found
}

func (a *Analyzer) extractContexts(lower string) []string {
	var found []string
	for contextType, indicators := range a.contextIndicators {
		for _, ind := range indicators {
			if strings.Contains(lower, strings.ToLower(ind)) {
				found = append(found, contextType)
				break
			}
		}
	}
	sort.Strings(found)
	return found
}

func (a *Analyzer) urgency(lower string) int {
	level := 1
	for l, keywords := range a.urgencyKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) && l > level {
				level = l
			}
		}
	}
	return level
}

// confidence combines service matches, request patterns, context relevance
// and quality into a 0..100 score.
func (a *Analyzer) confidence(services []string, lower string, requestMatches int, contexts []string, quality float64, language string) float64 {
	if len(services) == 0 {
		return 0
	}

	base := float64(len(services) * 25)
	if base > 75 {
		base = 75
	}
	requestBoost := float64(requestMatches * 15)
	if requestBoost > 30 {
		requestBoost = 30
	}
	contextBoost := float64(len(contexts) * 10)

	languageBonus := 5.0
	if language == "ar" || language == "en" {
		languageBonus = 10.0
	}

	penalty := 0.0
	for _, neg := range a.negativeIndicators {
		if strings.Contains(lower, strings.ToLower(neg)) {
			penalty += 10
		}
	}

	total := (base + requestBoost + contextBoost + languageBonus - penalty) * quality
	if total < 0 {
		return 0
	}
	if total > 100 {
		return 100
	}
	return total
}
