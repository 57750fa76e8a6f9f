// Package ident maps between cached email identifiers and the remote
// (account, folder, UID) triple they stand for.
//
// The persisted form is "{account}-{folder}-{uid}" and folder ids are
// "{account}-{folder}". Because both accounts and folders may contain the
// separator, the string form is only unambiguous when the account is known;
// use DecodeForAccount whenever it is.
package ident

import (
	"strconv"
	"strings"

	"github.com/nhle/mailsync/internal/mailerr"
)

const sep = "-"

// Key is the structured identity of a message on a remote server.
type Key struct {
	AccountID string
	Folder    string
	UID       uint32
}

// String returns the persisted identifier for k.
func (k Key) String() string {
	return Encode(k.AccountID, k.Folder, k.UID)
}

// FolderID returns the persisted folder identifier k belongs to.
func (k Key) FolderID() string {
	return FolderID(k.AccountID, k.Folder)
}

// Encode builds the persisted identifier for a message.
func Encode(accountID, folder string, uid uint32) string {
	return accountID + sep + folder + sep + strconv.FormatUint(uint64(uid), 10)
}

// FolderID builds the persisted identifier for a folder.
func FolderID(accountID, folder string) string {
	return accountID + sep + folder
}

// Decode splits id without knowing its account. The first segment is taken
// as the account and the last as the UID; everything between is the folder.
// Accounts containing the separator decode incorrectly, which is why bulk
// operations use DecodeForAccount.
func Decode(id string) (Key, error) {
	parts := strings.Split(id, sep)
	if len(parts) < 3 {
		return Key{}, formatErr(id, "expected account-folder-uid")
	}

	uid, err := parseUID(parts[len(parts)-1])
	if err != nil {
		return Key{}, formatErr(id, err.Error())
	}

	folder := strings.Join(parts[1:len(parts)-1], sep)
	if parts[0] == "" || folder == "" {
		return Key{}, formatErr(id, "empty account or folder")
	}

	return Key{AccountID: parts[0], Folder: folder, UID: uid}, nil
}

// DecodeForAccount splits id for a known account. The UID is taken from
// after the final separator and the folder is whatever lies between the
// account prefix and the UID, so folders containing the separator decode
// correctly.
func DecodeForAccount(accountID, id string) (Key, error) {
	prefix := accountID + sep
	if accountID == "" || !strings.HasPrefix(id, prefix) {
		return Key{}, formatErr(id, "does not belong to account "+accountID)
	}

	rest := id[len(prefix):]
	i := strings.LastIndex(rest, sep)
	if i <= 0 {
		return Key{}, formatErr(id, "expected folder-uid after account")
	}

	uid, err := parseUID(rest[i+1:])
	if err != nil {
		return Key{}, formatErr(id, err.Error())
	}

	return Key{AccountID: accountID, Folder: rest[:i], UID: uid}, nil
}

// ParseFolderID returns the folder name encoded in folderID for accountID.
func ParseFolderID(accountID, folderID string) (string, error) {
	prefix := accountID + sep
	if accountID == "" || !strings.HasPrefix(folderID, prefix) || len(folderID) == len(prefix) {
		return "", formatErr(folderID, "not a folder id of account "+accountID)
	}
	return folderID[len(prefix):], nil
}

func parseUID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func formatErr(id, msg string) error {
	return mailerr.Newf(mailerr.KindFormat, "decode identifier", "%q: %s", id, msg)
}
