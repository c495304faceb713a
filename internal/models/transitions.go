package models

// The project and scene state machines. Every status write in the store is a
// conditional compare-and-set against the current stored status; these tables
// are the authority on which (from, to) pairs the CAS may even attempt.

var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusPending:          {ProjectStatusGeneratingScenes, ProjectStatusFailed},
	ProjectStatusGeneratingScenes: {ProjectStatusProcessing, ProjectStatusFailed},
	ProjectStatusProcessing:       {ProjectStatusComposing, ProjectStatusFailed},
	ProjectStatusComposing:        {ProjectStatusCompleted, ProjectStatusProcessing, ProjectStatusFailed},
	ProjectStatusCompleted:        nil,
	ProjectStatusFailed:           nil,
}

// Terminal reports whether a project status can never transition again.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed
}

// CanTransitionProject reports whether from → to is a legal project
// transition. composing → processing is the staleness-sweep reset path; all
// other entries follow the forward pipeline, with failed reachable from any
// non-terminal state.
func CanTransitionProject(from, to ProjectStatus) bool {
	for _, next := range projectTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a scene status can never transition again.
// failed is only conditionally terminal — see CanTransitionScene.
func (s SceneStatus) Terminal() bool {
	return s == SceneStatusCompleted
}

// CanTransitionScene reports whether from → to is a legal scene transition
// given the scene's current retry count. failed → processing is the bounded
// retry loop; once retryCount reaches SceneRetryCap the scene is terminal.
// processing → processing re-claims a scene orphaned by a worker that died
// after claiming it; the conditional write keeps the re-claim race-safe.
func CanTransitionScene(from, to SceneStatus, retryCount int) bool {
	switch from {
	case SceneStatusPending:
		return to == SceneStatusProcessing
	case SceneStatusProcessing:
		return to == SceneStatusCompleted || to == SceneStatusFailed || to == SceneStatusProcessing
	case SceneStatusFailed:
		return to == SceneStatusProcessing && retryCount < SceneRetryCap
	default:
		return false
	}
}
