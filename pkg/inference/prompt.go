package inference

import (
	"fmt"
	"strings"
)

// Input is what the farmer submitted for one diagnosis.
type Input struct {
	CropType         string
	ImageURL         string
	Description      string
	SymptomsDuration string
	Location         string
}

func (in Input) HasImage() bool { return strings.TrimSpace(in.ImageURL) != "" }

const resultShape = `{
  "disease_name": "Name of the disease or issue identified",
  "confidence": "high/medium/low",
  "severity": "mild/moderate/severe",
  "description": "Clear explanation of the disease and how it affects %s",
  "causes": ["List of factors that cause or spread this disease"],
  "symptoms": ["List of visible symptoms to look for"],
  "affected_parts": ["Which parts of the plant are affected: leaves/stems/roots/tubers/grain"],
  "treatment": {
    "immediate_actions": ["Urgent steps to take now to limit damage"],
    "chemical_treatment": ["Specific fungicides/pesticides with dosage and application method"],
    "organic_treatment": ["Natural alternatives like neem, ash, crop rotation"],
    "preventive_measures": ["Long-term strategies to prevent recurrence"]
  },
  "expected_yield_impact": "Estimated impact on yield if untreated vs treated",
  "prognosis": "Expected recovery timeline with proper treatment",
  "additional_questions": ["2-3 follow-up questions to refine the diagnosis"]
}`

// BuildPrompt renders the single instruction sent to the model.
func BuildPrompt(in Input) string {
	crop := strings.TrimSpace(in.CropType)
	cropLabel := crop
	if cropLabel == "" {
		cropLabel = "Not specified"
	}

	var b strings.Builder
	b.WriteString("You are an expert agricultural AI assistant specializing in food crop disease diagnosis, ")
	b.WriteString("with deep expertise in cereals (maize, rice, wheat, sorghum, millet), ")
	b.WriteString("tubers (cassava, sweet potato, yam, potato, taro), and legumes.\n\n")
	fmt.Fprintf(&b, "CROP BEING ANALYZED: %s\n", cropLabel)
	if info := KnowledgeFor(in.CropType); info != "" {
		fmt.Fprintf(&b, "\nRELEVANT DISEASE KNOWLEDGE FOR THIS CROP:\n%s\n", info)
	}

	b.WriteString("\nSUBMITTED INFORMATION:\n")
	if in.HasImage() {
		b.WriteString("- An image has been provided showing the affected crop\n")
	} else {
		b.WriteString("- No image provided\n")
	}
	if d := strings.TrimSpace(in.Description); d != "" {
		fmt.Fprintf(&b, "- Farmer's description: %s\n", d)
	} else {
		b.WriteString("- No description provided\n")
	}
	if d := strings.TrimSpace(in.SymptomsDuration); d != "" {
		fmt.Fprintf(&b, "- Symptoms duration: %s\n", d)
	}
	if l := strings.TrimSpace(in.Location); l != "" {
		fmt.Fprintf(&b, "- Climate region: %s\n", l)
	}

	b.WriteString("\nINSTRUCTIONS:\n")
	b.WriteString("1. Analyze the image and/or description carefully\n")
	b.WriteString("2. Consider the specific crop type and common diseases affecting it\n")
	b.WriteString("3. Factor in the climate region if provided\n")
	b.WriteString("4. Provide practical, affordable treatment options suitable for smallholder farmers\n\n")

	subject := crop
	if subject == "" {
		subject = "the crop"
	}
	b.WriteString("Respond with a JSON object in this exact structure:\n")
	fmt.Fprintf(&b, resultShape, subject)
	b.WriteString("\n\nBe specific, practical, and consider that farmers may have limited resources. ")
	b.WriteString("Recommend locally available treatments when possible.")
	return b.String()
}
