package inference

// cropKnowledge holds short disease notes for the supported crops, keyed
// by the exact crop label offered to farmers.
var cropKnowledge = map[string]string{
	// Cereals
	"Maize (Corn)": "Common diseases: Northern Corn Leaf Blight, Gray Leaf Spot, Maize Streak Virus, Stalk Rot, Fall Armyworm damage. Key symptoms: lesions, streaking, wilting, ear rot.",
	"Rice":         "Common diseases: Rice Blast, Bacterial Leaf Blight, Brown Spot, Sheath Blight, Tungro Virus. Key symptoms: lesions, yellowing, wilting, panicle damage.",
	"Wheat":        "Common diseases: Rust (Yellow, Brown, Black), Powdery Mildew, Fusarium Head Blight, Septoria. Key symptoms: pustules, powdery coating, head scab.",
	"Sorghum":      "Common diseases: Anthracnose, Grain Mold, Charcoal Rot, Downy Mildew. Key symptoms: leaf spots, discolored grain, lodging.",
	"Millet":       "Common diseases: Downy Mildew, Blast, Ergot, Smut. Key symptoms: green ear, blast lesions, ergot bodies.",
	// Tubers
	"Cassava":        "Common diseases: Cassava Mosaic Disease, Cassava Brown Streak, Bacterial Blight, Anthracnose. Key symptoms: mosaic patterns, brown streaks in roots, wilting.",
	"Sweet Potato":   "Common diseases: Sweet Potato Virus Disease, Black Rot, Soft Rot, Weevil damage. Key symptoms: leaf distortion, black lesions, tunneling.",
	"Yam":            "Common diseases: Yam Mosaic Virus, Anthracnose, Dry Rot, Nematode damage. Key symptoms: mosaic, die-back, tuber rot.",
	"Irish Potato":   "Common diseases: Late Blight, Early Blight, Bacterial Wilt, Potato Virus Y. Key symptoms: water-soaked lesions, target spots, wilting.",
	"Taro (Cocoyam)": "Common diseases: Taro Leaf Blight, Pythium Rot, Dasheen Mosaic Virus. Key symptoms: leaf lesions, corm rot, mosaic.",
	// Legumes
	"Beans":                "Common diseases: Angular Leaf Spot, Anthracnose, Bean Common Mosaic, Rust. Key symptoms: angular spots, sunken lesions, mosaic.",
	"Groundnuts (Peanuts)": "Common diseases: Early Leaf Spot, Late Leaf Spot, Rust, Aflatoxin contamination. Key symptoms: spots, defoliation, pod rot.",
	"Soybeans":             "Common diseases: Soybean Rust, Frogeye Leaf Spot, Sudden Death Syndrome. Key symptoms: pustules, spots, interveinal chlorosis.",
}

// KnowledgeFor returns the disease notes for an exact crop label, or "".
func KnowledgeFor(cropType string) string {
	return cropKnowledge[cropType]
}

// KnownCrops lists the crop labels with disease notes.
func KnownCrops() []string {
	out := make([]string, 0, len(cropKnowledge))
	for name := range cropKnowledge {
		out = append(out, name)
	}
	return out
}
