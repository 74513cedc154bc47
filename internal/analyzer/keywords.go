package analyzer

const defaultConfidenceThreshold = 30.0

// defaultServiceKeywords maps service names to the keywords that signal
// a request for that service. Overridable via Config.ServiceKeywords.
var defaultServiceKeywords = map[string][]string{
	"شرح":     {"شرح", "اشرح", "فهم", "تفسير", "تحليل", "توضيح"},
	"تقارير":  {"تقرير", "تقارير", "تلخيص", "ملخص", "تكليف"},
	"واجبات":  {"واجب", "واجبات", "بحث", "بحوث", "مشروع", "projects"},
	"عروض":    {"برزنتيشن", "عرض", "بوربوينت", "presentation"},
	"تصاميم":  {"تصميم", "تصاميم", "غرافيك", "logo", "banner"},
	"خرائط":   {"خريطة ذهنية", "mind map", "خرائط ذهنية"},
	"ماجستير": {"ماجستير", "رسالة ماجستير", "بحث ماجستير"},
	"تخرج":    {"مشروع تخرج", "graduation project", "تخرج"},
	"طبي":     {"تقرير طبي", "أجازة مرضية", "شهادة مرضية"},
	"ريبورت":  {"ريبورت", "report", "تقرير"},
}

var requestPatternSources = []string{
	`محتاج.*مساعدة`,
	`من يساعدني`,
	`أحد يقدر.*يخدم`,
	`ممكن.*تساعد`,
	`عندكم.*`,
	`من عنده.*`,
	`أحد عنده.*`,
	`هل يوجد.*`,
	`أريد.*`,
	`ابغى.*`,
	`help me.*`,
	`need help.*`,
	`anyone can.*`,
	`looking for.*`,
}

var defaultRequestIndicators = map[string][]string{
	"direct_request": {"محتاج", "أحتاج", "أريد", "ابغى", "need", "want"},
	"seeking_help":   {"من يساعدني", "ساعدني", "ساعدوني", "help me", "help us"},
	"inquiring":      {"عندكم", "من عنده", "هل يوجد", "anyone has", "does anyone"},
	"possibility":    {"ممكن", "أحد يقدر", "can anyone", "is it possible"},
	"urgency":        {"عاجل", "urgent", "ضروري", "emergency"},
}

var defaultContextIndicators = map[string][]string{
	"academic":      {"مادة", "subject", "class", "grade", "semester", "فصل"},
	"professional":  {"شركة", "company", "business", "client", "عمل"},
	"personal":      {"لي", "myself", "شخصي"},
	"group_related": {"الجروب", "المجموعة", "group", "here"},
}

var defaultNegativeIndicators = []string{
	"شكراً", "thanks", "thank you", "done", "تم", "finished",
	"completed", "resolved", "حلها", "انتهى",
}

var defaultUrgencyKeywords = map[int][]string{
	5: {"عاجل", "urgent", "ضروري", "emergency", "مستعجل"},
	4: {"اليوم", "today", "الليلة", "tonight"},
	3: {"soon", "قريباً", "بسرعة", "quickly"},
	2: {"tomorrow", "غداً", "next week", "الأسبوع القادم"},
	1: {"later", "لاحقاً", "في المستقبل"},
}
