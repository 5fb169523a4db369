package access_control

type AccessControlData struct {
	Allowed     bool   `json:"allowed"`
	Capability  string `json:"capability"`
	MatchedRule string `json:"matched_rule"`
	Identity    string `json:"identity"`
	Path        string `json:"path"`
	Method      string `json:"method"`
}
