package models

// Category classifies a knowledge contribution. The set is closed; tools
// reject values outside it.
type Category string

// Knowledge categories
const (
	CategoryBugFix          Category = "bug_fix"
	CategoryWorkaround      Category = "workaround"
	CategoryConfiguration   Category = "configuration"
	CategoryDomainExpertise Category = "domain_expertise"
	CategoryTooling         Category = "tooling"
	CategoryArchitecture    Category = "architecture"
	CategoryPattern         Category = "pattern"
	CategoryExplanation     Category = "explanation"
	CategoryReasoningTrace  Category = "reasoning_trace"
	CategoryFailedApproach  Category = "failed_approach"
	CategoryOther           Category = "other"
)

// Categories lists every valid category in declaration order
var Categories = []Category{
	CategoryBugFix,
	CategoryWorkaround,
	CategoryConfiguration,
	CategoryDomainExpertise,
	CategoryTooling,
	CategoryArchitecture,
	CategoryPattern,
	CategoryExplanation,
	CategoryReasoningTrace,
	CategoryFailedApproach,
	CategoryOther,
}

// ValidCategory reports whether s is a member of the category enum
func ValidCategory(s string) bool {
	for _, c := range Categories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// CategoryStrings returns the enum as plain strings, for schema generation
func CategoryStrings() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = string(c)
	}
	return out
}
