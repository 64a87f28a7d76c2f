package catalog

import "fmt"

var mediaConsentRequired = []string{"releaseItems", "releasePurposes", "effectiveDate", "signature"}

// DefaultEntries is the intake package shipped with the service.
func DefaultEntries() []Entry {
	return []Entry{
		checkboxEntry("client-rights", "Client Rights", PriorityHigh, numbered("right", 15)),
		checkboxEntry("program-rules", "Program Rules", PriorityHigh, numbered("rule", 10)),
		checkboxEntry("grievance-procedure", "Grievance Procedure", PriorityMedium, numbered("step", 5)),

		acknowledgementEntry("privacy-practices", "Notice of Privacy Practices", PriorityHigh),
		acknowledgementEntry("financial-responsibility", "Financial Responsibility", PriorityHigh),
		acknowledgementEntry("telehealth-consent", "Telehealth Consent", PriorityMedium),

		mediaConsentEntry("release-of-information", "Release of Information", PriorityHigh),
		mediaConsentEntry("records-request", "Records Request", PriorityMedium),
		mediaConsentEntry("photo-video-release", "Photo and Video Release", PriorityLow),

		simpleConsentEntry("treatment-consent", "Consent to Treatment", PriorityHigh),
		simpleConsentEntry("medication-consent", "Medication Consent", PriorityMedium),
		simpleConsentEntry("emergency-contact-consent", "Emergency Contact Consent", PriorityMedium),
		simpleConsentEntry("transportation-waiver", "Transportation Waiver", PriorityLow),
		simpleConsentEntry("research-participation", "Research Participation", PriorityLow),
		simpleConsentEntry("communication-preferences", "Communication Preferences", PriorityLow),
	}
}

// Default builds the shipped catalog. It panics on a malformed table since
// the table is compiled in.
func Default() *Catalog {
	c, err := New(DefaultEntries())
	if err != nil {
		panic(err)
	}
	return c
}

func checkboxEntry(key, title string, priority Priority, items []string) Entry {
	return Entry{
		Key:             key,
		Title:           title,
		Kind:            KindCheckbox,
		Priority:        priority,
		RequiredFields:  items,
		SignatureFields: []string{"signature"},
	}
}

func acknowledgementEntry(key, title string, priority Priority) Entry {
	return Entry{
		Key:             key,
		Title:           title,
		Kind:            KindAcknowledgement,
		Priority:        priority,
		RequiredFields:  []string{"acknowledged", "signature"},
		SignatureFields: []string{"signature"},
	}
}

func mediaConsentEntry(key, title string, priority Priority) Entry {
	return Entry{
		Key:             key,
		Title:           title,
		Kind:            KindMediaConsent,
		Priority:        priority,
		RequiredFields:  mediaConsentRequired,
		SignatureFields: []string{"signature", "witnessSignature", "guardianSignature"},
		ArrayFields:     []string{"releaseItems", "releasePurposes", "recipients"},
		DateFields:      []string{"effectiveDate", "expireDate"},
	}
}

func simpleConsentEntry(key, title string, priority Priority) Entry {
	return Entry{
		Key:             key,
		Title:           title,
		Kind:            KindSimpleConsent,
		Priority:        priority,
		RequiredFields:  []string{"signature"},
		SignatureFields: []string{"signature", "guardianSignature"},
		DateFields:      []string{"signedDate"},
	}
}

func numbered(prefix string, n int) []string {
	items := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, fmt.Sprintf("%s%02d", prefix, i))
	}
	return items
}
