package model

import (
	"fmt"
	"sort"
	"strings"
)

// TaxonomyVersion identifies the closed category set. Bump it whenever a
// category is added, and add the matching law index mapping in the same change.
const TaxonomyVersion = "2025.2"

// Category is a closed tax treatment bucket.
type Category string

// Categories in the closed taxonomy.
const (
	CategoryEntertainment    Category = "entertainment"
	CategoryMeals            Category = "meals"
	CategoryCloud            Category = "cloud"
	CategoryPayroll          Category = "payroll"
	CategoryRent             Category = "rent"
	CategoryTelecom          Category = "telecom"
	CategorySupplies         Category = "supplies"
	CategoryMarketing        Category = "marketing"
	CategoryTravel           Category = "travel"
	CategoryEducation        Category = "education"
	CategoryRevenue          Category = "revenue"
	CategoryInternalTransfer Category = "internal-transfer"
	CategoryUnknown          Category = "unknown"
)

// CategoryInfo is the static metadata attached to a category.
type CategoryInfo struct {
	Label string
	// Keywords are matched as whole words by the classifier and boost retrieval.
	Keywords []string
	// Patterns are regular expressions that carry more weight than a keyword.
	Patterns []string
	LawCodes []LawCode
	// DefaultEvidence seeds the evidence checklist before law chunks are merged in.
	DefaultEvidence []string
	// Direction is the expected money flow; empty means either.
	Direction Direction
	// TypicalMin and TypicalMax bound the usual magnitude; zero means unbounded.
	TypicalMin int64
	TypicalMax int64
	// EvidenceThreshold is the magnitude at or above which qualified evidence is required.
	EvidenceThreshold int64
	// Priority breaks score ties; higher wins.
	Priority int
	// Indexed reports whether the law index must carry at least one chunk for the category.
	Indexed bool
}

var taxonomy = map[Category]CategoryInfo{
	CategoryEntertainment: {
		Label:    "Business entertainment",
		Keywords: []string{"client", "customer", "partner", "entertainment", "hospitality", "gift", "golf", "banquet", "reception"},
		Patterns: []string{
			`\b(client|customer|partner|vendor)s?\b.*\b(lunch|dinner|meal|drinks|coffee)\b`,
			`\b(lunch|dinner|meal|drinks)\b.*\bwith\b.*\b(client|customer|partner)s?\b`,
		},
		LawCodes:          []LawCode{LawCodeCIT, LawCodeVAT},
		DefaultEvidence:   []string{"Card slip or tax invoice", "Attendee list with business purpose"},
		Direction:         DirectionOutflow,
		TypicalMin:        10_000,
		TypicalMax:        3_000_000,
		EvidenceThreshold: 30_000,
		Priority:          90,
		Indexed:           true,
	},
	CategoryMeals: {
		Label:             "Employee welfare meals",
		Keywords:          []string{"lunch", "dinner", "meal", "meals", "cafeteria", "restaurant", "catering", "staff", "team", "snack", "food"},
		Patterns:          []string{`\b(staff|team|employee)s?\b.*\b(lunch|dinner|meal|snack)s?\b`},
		LawCodes:          []LawCode{LawCodePIT, LawCodeCIT},
		DefaultEvidence:   []string{"Card slip or cash receipt"},
		Direction:         DirectionOutflow,
		TypicalMin:        3_000,
		TypicalMax:        100_000,
		EvidenceThreshold: 30_000,
		Priority:          60,
		Indexed:           true,
	},
	CategoryCloud: {
		Label:             "Software and cloud services",
		Keywords:          []string{"aws", "azure", "gcp", "cloud", "server", "hosting", "saas", "subscription", "github", "slack", "notion", "software", "license"},
		Patterns:          []string{`\b(amazon web services|google cloud|digitalocean|vercel|heroku)\b`},
		LawCodes:          []LawCode{LawCodeVAT, LawCodeCIT},
		DefaultEvidence:   []string{"Invoice or billing statement", "Overseas service payment record"},
		Direction:         DirectionOutflow,
		TypicalMin:        1_000,
		TypicalMax:        50_000_000,
		EvidenceThreshold: 30_000,
		Priority:          80,
		Indexed:           true,
	},
	CategoryPayroll: {
		Label:             "Payroll",
		Keywords:          []string{"salary", "payroll", "wage", "wages", "bonus", "freelancer", "contractor", "severance"},
		Patterns:          []string{`\b(monthly|annual)\s+(salary|pay)\b`},
		LawCodes:          []LawCode{LawCodePIT, LawCodeCIT},
		DefaultEvidence:   []string{"Payslip", "Withholding tax return"},
		Direction:         DirectionOutflow,
		TypicalMin:        100_000,
		EvidenceThreshold: 0,
		Priority:          85,
		Indexed:           true,
	},
	CategoryRent: {
		Label:             "Rent",
		Keywords:          []string{"rent", "lease", "landlord", "office", "deposit", "coworking", "maintenance"},
		Patterns:          []string{`\b(office|monthly)\s+rent\b`},
		LawCodes:          []LawCode{LawCodeVAT, LawCodeCIT},
		DefaultEvidence:   []string{"Lease agreement", "Tax invoice from landlord"},
		Direction:         DirectionOutflow,
		TypicalMin:        100_000,
		EvidenceThreshold: 30_000,
		Priority:          75,
		Indexed:           true,
	},
	CategoryTelecom: {
		Label:             "Telecommunications",
		Keywords:          []string{"telecom", "internet", "mobile", "phone", "broadband", "kt", "skt", "lg", "uplus"},
		LawCodes:          []LawCode{LawCodeVAT, LawCodeCIT},
		DefaultEvidence:   []string{"Carrier billing statement"},
		Direction:         DirectionOutflow,
		TypicalMin:        5_000,
		TypicalMax:        2_000_000,
		EvidenceThreshold: 30_000,
		Priority:          70,
		Indexed:           true,
	},
	CategorySupplies: {
		Label:             "Office supplies",
		Keywords:          []string{"supplies", "stationery", "paper", "toner", "printer", "consumables", "coupang", "office depot"},
		LawCodes:          []LawCode{LawCodeVAT, LawCodeCIT},
		DefaultEvidence:   []string{"Receipt or tax invoice"},
		Direction:         DirectionOutflow,
		TypicalMin:        1_000,
		TypicalMax:        1_000_000,
		EvidenceThreshold: 30_000,
		Priority:          50,
		Indexed:           true,
	},
	CategoryMarketing: {
		Label:             "Marketing and advertising",
		Keywords:          []string{"marketing", "advertising", "ad", "ads", "campaign", "promotion", "sponsorship", "facebook", "google ads", "naver"},
		Patterns:          []string{`\b(ad|ads|advert(ising)?)\s+(spend|campaign|placement)\b`},
		LawCodes:          []LawCode{LawCodeVAT, LawCodeCIT},
		DefaultEvidence:   []string{"Campaign invoice", "Proof of ad placement"},
		Direction:         DirectionOutflow,
		TypicalMin:        10_000,
		EvidenceThreshold: 30_000,
		Priority:          65,
		Indexed:           true,
	},
	CategoryTravel: {
		Label:             "Transport and travel",
		Keywords:          []string{"taxi", "train", "ktx", "flight", "airline", "hotel", "travel", "parking", "toll", "fuel", "uber"},
		LawCodes:          []LawCode{LawCodeCIT, LawCodeVAT},
		DefaultEvidence:   []string{"Ticket or boarding pass", "Travel purpose memo"},
		Direction:         DirectionOutflow,
		TypicalMin:        1_000,
		TypicalMax:        5_000_000,
		EvidenceThreshold: 30_000,
		Priority:          55,
		Indexed:           true,
	},
	CategoryEducation: {
		Label:             "Education and training",
		Keywords:          []string{"course", "training", "seminar", "conference", "education", "tuition", "workshop", "book", "books"},
		LawCodes:          []LawCode{LawCodeCIT, LawCodeRSTL},
		DefaultEvidence:   []string{"Course receipt", "Attendance certificate"},
		Direction:         DirectionOutflow,
		TypicalMin:        5_000,
		TypicalMax:        10_000_000,
		EvidenceThreshold: 30_000,
		Priority:          45,
		Indexed:           true,
	},
	CategoryRevenue: {
		Label:             "Sales revenue",
		Keywords:          []string{"sales", "revenue", "invoice", "settlement", "payout", "customer payment", "stripe", "paypal"},
		Patterns:          []string{`\b(payment|transfer)\s+from\b`},
		LawCodes:          []LawCode{LawCodeVAT, LawCodeCIT, LawCodeNTBA},
		DefaultEvidence:   []string{"Issued tax invoice", "Sales contract or order"},
		Direction:         DirectionInflow,
		EvidenceThreshold: 0,
		Priority:          40,
		Indexed:           true,
	},
	CategoryInternalTransfer: {
		Label:    "Internal transfer",
		Priority: 100,
	},
	CategoryUnknown: {
		Label:           "Unclassified",
		LawCodes:        []LawCode{LawCodeNTBA},
		DefaultEvidence: []string{"Any supporting document"},
		Priority:        0,
	},
}

// String implements fmt.Stringer.
func (c Category) String() string {
	return string(c)
}

// IsValid reports whether c is a member of the closed taxonomy.
func (c Category) IsValid() bool {
	_, ok := taxonomy[c]
	return ok
}

// Info returns the static metadata for c. Unknown values get the unknown metadata.
func (c Category) Info() CategoryInfo {
	if info, ok := taxonomy[c]; ok {
		return info
	}
	return taxonomy[CategoryUnknown]
}

// Label is the user-facing name.
func (c Category) Label() string {
	return c.Info().Label
}

// ParseCategory resolves a category name, accepting labels case-insensitively.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	c := Category(strings.ToLower(s))
	if c.IsValid() {
		return c, nil
	}
	for cat, info := range taxonomy {
		if strings.EqualFold(info.Label, s) {
			return cat, nil
		}
	}
	return CategoryUnknown, fmt.Errorf("%q: not in taxonomy %s", s, TaxonomyVersion)
}

// AllCategories returns every category ordered by descending priority.
func AllCategories() []Category {
	out := make([]Category, 0, len(taxonomy))
	for c := range taxonomy {
		out = append(out, c)
	}
	SortByPriority(out)
	return out
}

// IndexedCategories returns the categories the law index must cover.
func IndexedCategories() []Category {
	var out []Category
	for _, c := range AllCategories() {
		if taxonomy[c].Indexed {
			out = append(out, c)
		}
	}
	return out
}

// SortByPriority orders categories by descending priority, then name.
func SortByPriority(cats []Category) {
	sort.SliceStable(cats, func(i, j int) bool {
		pi, pj := taxonomy[cats[i]].Priority, taxonomy[cats[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return cats[i] < cats[j]
	})
}
