package models

// File is one sandbox source file.
type File struct {
	Code   string `json:"code"`
	Hidden bool   `json:"hidden,omitempty"`
}

// FileMap maps an absolute project path (e.g. "/App.js") to its source.
type FileMap map[string]File

// Clone returns an independent copy of the map.
func (m FileMap) Clone() FileMap {
	if m == nil {
		return nil
	}
	out := make(FileMap, len(m))
	for path, f := range m {
		out[path] = f
	}
	return out
}

// Generation is the JSON object the code model is asked to produce.
type Generation struct {
	ProjectTitle   string   `json:"projectTitle"`
	Explanation    string   `json:"explanation"`
	Files          FileMap  `json:"files"`
	GeneratedFiles []string `json:"generatedFiles"`
}
