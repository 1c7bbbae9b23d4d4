package submit

import "fmt"

// MergeStatus is the outcome of integrating one commit.
type MergeStatus int

const (
	CleanMerge MergeStatus = iota + 1
	CleanRebase
	CleanPick
	SkippedIdenticalTree
	AlreadyMerged
	PathConflict
	CannotCherryPickRoot
	CannotRebaseRoot
	NotFastForward
	ManualRecursiveMerge
	MissingDependency
	RevisionGone
	NoSubmitType
	InvalidProjectConfiguration
	InvalidProjectConfigurationParentProjectNotFound
	InvalidProjectConfigurationRootProjectCannotHaveParent
	SettingParentProjectOnlyAllowedByAdmin
)

func (s MergeStatus) String() string {
	switch s {
	case CleanMerge:
		return "CLEAN_MERGE"
	case CleanRebase:
		return "CLEAN_REBASE"
	case CleanPick:
		return "CLEAN_PICK"
	case SkippedIdenticalTree:
		return "SKIPPED_IDENTICAL_TREE"
	case AlreadyMerged:
		return "ALREADY_MERGED"
	case PathConflict:
		return "PATH_CONFLICT"
	case CannotCherryPickRoot:
		return "CANNOT_CHERRY_PICK_ROOT"
	case CannotRebaseRoot:
		return "CANNOT_REBASE_ROOT"
	case NotFastForward:
		return "NOT_FAST_FORWARD"
	case ManualRecursiveMerge:
		return "MANUAL_RECURSIVE_MERGE"
	case MissingDependency:
		return "MISSING_DEPENDENCY"
	case RevisionGone:
		return "REVISION_GONE"
	case NoSubmitType:
		return "NO_SUBMIT_TYPE"
	case InvalidProjectConfiguration:
		return "INVALID_PROJECT_CONFIGURATION"
	case InvalidProjectConfigurationParentProjectNotFound:
		return "INVALID_PROJECT_CONFIGURATION_PARENT_PROJECT_NOT_FOUND"
	case InvalidProjectConfigurationRootProjectCannotHaveParent:
		return "INVALID_PROJECT_CONFIGURATION_ROOT_PROJECT_CANNOT_HAVE_PARENT"
	case SettingParentProjectOnlyAllowedByAdmin:
		return "SETTING_PARENT_PROJECT_ONLY_ALLOWED_BY_ADMIN"
	}
	return fmt.Sprintf("MergeStatus(%d)", int(s))
}

// Description is the message shown to users for the status.
func (s MergeStatus) Description() string {
	switch s {
	case CleanMerge:
		return "Change has been successfully merged"
	case CleanRebase:
		return "Change has been successfully rebased and submitted"
	case CleanPick:
		return "Change has been successfully cherry-picked"
	case SkippedIdenticalTree:
		return "Marking change merged without cherry-picking to branch, as the resulting commit would be empty."
	case PathConflict:
		return "Change could not be merged due to a path conflict. Please rebase the change locally " +
			"and upload the rebased commit for review."
	case CannotCherryPickRoot:
		return "Cannot cherry-pick an initial commit onto an existing branch. Please merge the change " +
			"locally and upload the merge commit for review."
	case CannotRebaseRoot:
		return "Cannot rebase an initial commit onto an existing branch. Please merge the change " +
			"locally and upload the merge commit for review."
	case NotFastForward:
		return "Project policy requires all submissions to be a fast-forward. Please rebase the change " +
			"locally and upload again for review."
	case ManualRecursiveMerge:
		return "The change requires a local merge to resolve. Please merge (or rebase) the change " +
			"locally and upload the resolution for review."
	case MissingDependency:
		return "Depends on change that was not submitted."
	case RevisionGone:
		return "Revision of the change is no longer present in the repository."
	case NoSubmitType:
		return "Change could not be merged because the submit type is not set."
	case InvalidProjectConfiguration:
		return "Change contains an invalid project configuration."
	case InvalidProjectConfigurationParentProjectNotFound:
		return "Change contains an invalid project configuration: Parent project does not exist."
	case InvalidProjectConfigurationRootProjectCannotHaveParent:
		return "Change contains an invalid project configuration: The root project cannot have a parent."
	case SettingParentProjectOnlyAllowedByAdmin:
		return "Change contains a project configuration that changes the parent project. " +
			"The change must be submitted by an administrator."
	}
	return ""
}

// IsClean reports whether a commit with this status landed on its branch.
func (s MergeStatus) IsClean() bool {
	switch s {
	case CleanMerge, CleanRebase, CleanPick, SkippedIdenticalTree, AlreadyMerged:
		return true
	}
	return false
}
