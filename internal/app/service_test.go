package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quill/api/internal/authpw"
	"quill/api/internal/config"
	"quill/api/internal/export"
	"quill/api/internal/gitrepo"
	"quill/api/internal/store"
)

type fakeStore struct {
	createUserFn            func(context.Context, store.User) error
	getUserByIDFn           func(context.Context, string) (store.User, error)
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	getUserByUsernameFn     func(context.Context, string) (store.User, error)
	getFolderFn             func(context.Context, string, string) (store.Folder, error)
	updateFolderFn          func(context.Context, string, string, *string) error
	folderAncestorIDsFn     func(context.Context, string, string) ([]string, error)
	listNotesFn             func(context.Context, string) ([]store.Note, error)
	getNoteFn               func(context.Context, string) (store.Note, error)
	getOwnedNoteFn          func(context.Context, string, string) (store.Note, error)
	insertNoteFn            func(context.Context, store.Note) error
	getNoteAccessFn         func(context.Context, string, string) (store.NoteAccess, error)
	getNoteShareFn          func(context.Context, string, string) (store.NoteShare, error)
	listNoteSharesFn        func(context.Context, string) ([]store.NoteShare, error)
	insertNoteShareFn       func(context.Context, store.NoteShare) error
	getFriendshipFn         func(context.Context, string) (store.Friendship, error)
	findFriendshipBetweenFn func(context.Context, string, string) (store.Friendship, error)
	areFriendsFn            func(context.Context, string, string) (bool, error)
	insertFriendshipFn      func(context.Context, store.Friendship) error
	updateFriendshipFn      func(context.Context, string, string, time.Time) error
	resetFriendshipFn       func(context.Context, string, string, string, time.Time) error
	getConversationFn       func(context.Context, string) (store.Conversation, error)
	findConversationFn      func(context.Context, string, string) (store.Conversation, error)
	insertConversationFn    func(context.Context, store.Conversation) error
	touchConversationFn     func(context.Context, string, time.Time) error
	conversationSummaryFn   func(context.Context, string) (store.ConversationSummary, error)
	insertMessageFn         func(context.Context, store.Message) error
	getMessageFn            func(context.Context, string) (store.Message, error)
	listNoteCommentsFn      func(context.Context, string) ([]store.Message, error)
	deleteFriendshipFn      func(context.Context, string) error
	updateUserPasswordFn    func(context.Context, string, string) error
	lookupRefreshFn         func(context.Context, string) (store.User, error)
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Username: "tester"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(context.Context) ([]store.User, error)       { return nil, nil }
func (f *fakeStore) UpdateUser(context.Context, string, string, string) error {
	return nil
}
func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if f.updateUserPasswordFn != nil {
		return f.updateUserPasswordFn(ctx, userID, passwordHash)
	}
	return nil
}
func (f *fakeStore) TouchLastLogin(context.Context, string, time.Time) error  { return nil }
func (f *fakeStore) DeleteUser(context.Context, string) error                 { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error {
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) ListFolders(context.Context, string) ([]store.Folder, error) { return nil, nil }
func (f *fakeStore) GetFolder(ctx context.Context, folderID, userID string) (store.Folder, error) {
	if f.getFolderFn != nil {
		return f.getFolderFn(ctx, folderID, userID)
	}
	return store.Folder{}, sql.ErrNoRows
}
func (f *fakeStore) InsertFolder(context.Context, store.Folder) error { return nil }
func (f *fakeStore) UpdateFolder(ctx context.Context, folderID, name string, parentID *string) error {
	if f.updateFolderFn != nil {
		return f.updateFolderFn(ctx, folderID, name, parentID)
	}
	return nil
}
func (f *fakeStore) DeleteFolder(context.Context, string) error { return nil }
func (f *fakeStore) FolderAncestorIDs(ctx context.Context, userID, folderID string) ([]string, error) {
	if f.folderAncestorIDsFn != nil {
		return f.folderAncestorIDsFn(ctx, userID, folderID)
	}
	return nil, nil
}
func (f *fakeStore) ListNotes(ctx context.Context, userID string) ([]store.Note, error) {
	if f.listNotesFn != nil {
		return f.listNotesFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) GetNote(ctx context.Context, noteID string) (store.Note, error) {
	if f.getNoteFn != nil {
		return f.getNoteFn(ctx, noteID)
	}
	return store.Note{}, sql.ErrNoRows
}
func (f *fakeStore) GetOwnedNote(ctx context.Context, noteID, userID string) (store.Note, error) {
	if f.getOwnedNoteFn != nil {
		return f.getOwnedNoteFn(ctx, noteID, userID)
	}
	return store.Note{}, sql.ErrNoRows
}
func (f *fakeStore) InsertNote(ctx context.Context, item store.Note) error {
	if f.insertNoteFn != nil {
		return f.insertNoteFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) UpdateNote(context.Context, string, string, string, *string, time.Time) error {
	return nil
}
func (f *fakeStore) DeleteNote(context.Context, string) error { return nil }
func (f *fakeStore) GetNoteAccess(ctx context.Context, noteID, userID string) (store.NoteAccess, error) {
	if f.getNoteAccessFn != nil {
		return f.getNoteAccessFn(ctx, noteID, userID)
	}
	return store.NoteAccess{}, sql.ErrNoRows
}
func (f *fakeStore) GetNoteShare(ctx context.Context, noteID, userID string) (store.NoteShare, error) {
	if f.getNoteShareFn != nil {
		return f.getNoteShareFn(ctx, noteID, userID)
	}
	return store.NoteShare{}, sql.ErrNoRows
}
func (f *fakeStore) ListNoteShares(ctx context.Context, noteID string) ([]store.NoteShare, error) {
	if f.listNoteSharesFn != nil {
		return f.listNoteSharesFn(ctx, noteID)
	}
	return nil, nil
}
func (f *fakeStore) ListSharedNotes(context.Context, string) ([]store.Note, error) {
	return nil, nil
}
func (f *fakeStore) InsertNoteShare(ctx context.Context, item store.NoteShare) error {
	if f.insertNoteShareFn != nil {
		return f.insertNoteShareFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) DeleteNoteShare(context.Context, string, string) error { return nil }
func (f *fakeStore) GetFriendship(ctx context.Context, friendshipID string) (store.Friendship, error) {
	if f.getFriendshipFn != nil {
		return f.getFriendshipFn(ctx, friendshipID)
	}
	return store.Friendship{}, sql.ErrNoRows
}
func (f *fakeStore) FindFriendshipBetween(ctx context.Context, userA, userB string) (store.Friendship, error) {
	if f.findFriendshipBetweenFn != nil {
		return f.findFriendshipBetweenFn(ctx, userA, userB)
	}
	return store.Friendship{}, sql.ErrNoRows
}
func (f *fakeStore) ListFriendships(context.Context, string) ([]store.Friendship, error) {
	return nil, nil
}
func (f *fakeStore) ListPendingFriendships(context.Context, string) ([]store.Friendship, error) {
	return nil, nil
}
func (f *fakeStore) ListFriends(context.Context, string) ([]store.User, error) { return nil, nil }
func (f *fakeStore) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	if f.areFriendsFn != nil {
		return f.areFriendsFn(ctx, userA, userB)
	}
	return false, nil
}
func (f *fakeStore) InsertFriendship(ctx context.Context, item store.Friendship) error {
	if f.insertFriendshipFn != nil {
		return f.insertFriendshipFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) UpdateFriendshipStatus(ctx context.Context, friendshipID, status string, at time.Time) error {
	if f.updateFriendshipFn != nil {
		return f.updateFriendshipFn(ctx, friendshipID, status, at)
	}
	return nil
}
func (f *fakeStore) ResetFriendship(ctx context.Context, friendshipID, requesterID, addresseeID string, at time.Time) error {
	if f.resetFriendshipFn != nil {
		return f.resetFriendshipFn(ctx, friendshipID, requesterID, addresseeID, at)
	}
	return nil
}
func (f *fakeStore) DeleteFriendship(ctx context.Context, friendshipID string) error {
	if f.deleteFriendshipFn != nil {
		return f.deleteFriendshipFn(ctx, friendshipID)
	}
	return nil
}
func (f *fakeStore) GetConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	if f.getConversationFn != nil {
		return f.getConversationFn(ctx, conversationID)
	}
	return store.Conversation{}, sql.ErrNoRows
}
func (f *fakeStore) FindConversationByPair(ctx context.Context, user1ID, user2ID string) (store.Conversation, error) {
	if f.findConversationFn != nil {
		return f.findConversationFn(ctx, user1ID, user2ID)
	}
	return store.Conversation{}, sql.ErrNoRows
}
func (f *fakeStore) InsertConversation(ctx context.Context, item store.Conversation) error {
	if f.insertConversationFn != nil {
		return f.insertConversationFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if f.touchConversationFn != nil {
		return f.touchConversationFn(ctx, conversationID, at)
	}
	return nil
}
func (f *fakeStore) ListConversationSummaries(context.Context, string) ([]store.ConversationSummary, error) {
	return nil, nil
}
func (f *fakeStore) GetConversationSummary(ctx context.Context, conversationID string) (store.ConversationSummary, error) {
	if f.conversationSummaryFn != nil {
		return f.conversationSummaryFn(ctx, conversationID)
	}
	return store.ConversationSummary{}, sql.ErrNoRows
}
func (f *fakeStore) InsertMessage(ctx context.Context, item store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) ListConversationMessages(context.Context, string, int) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) ListNoteComments(ctx context.Context, noteID string) ([]store.Message, error) {
	if f.listNoteCommentsFn != nil {
		return f.listNoteCommentsFn(ctx, noteID)
	}
	return nil, nil
}
func (f *fakeStore) InsertAttachment(context.Context, store.Attachment) error { return nil }
func (f *fakeStore) GetAttachment(context.Context, string) (store.Attachment, error) {
	return store.Attachment{}, sql.ErrNoRows
}
func (f *fakeStore) ListNoteAttachments(context.Context, string) ([]store.Attachment, error) {
	return nil, nil
}
func (f *fakeStore) DeleteAttachment(context.Context, string) error { return nil }
func (f *fakeStore) Ping(context.Context) error                     { return nil }

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshFn != nil {
		return f.lookupRefreshFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }

type fakeGit struct {
	ensuredNotes   []string
	commitMessages []string
	deletedNotes   []string
}

func (f *fakeGit) EnsureNoteRepo(noteID string, initial gitrepo.Content, author string) error {
	f.ensuredNotes = append(f.ensuredNotes, noteID)
	return nil
}
func (f *fakeGit) CommitContent(noteID string, content gitrepo.Content, author, message string) (store.NoteRevision, error) {
	f.commitMessages = append(f.commitMessages, message)
	return store.NoteRevision{Hash: "abc1234", Message: message, Author: author}, nil
}
func (f *fakeGit) GetContentByHash(noteID, hash string) (gitrepo.Content, error) {
	return gitrepo.Content{}, errors.New("not found")
}
func (f *fakeGit) History(noteID string, limit int) ([]store.NoteRevision, error) {
	return nil, nil
}
func (f *fakeGit) DeleteNoteRepo(noteID string) error {
	f.deletedNotes = append(f.deletedNotes, noteID)
	return nil
}

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
	return &Service{
		cfg:       cfg,
		store:     fs,
		sessions:  fs,
		passwords: authpw.NewService(fs),
		git:       &fakeGit{},
		exporter:  export.NewService(),
	}
}

func testSession(userID, username string) Session {
	return Session{UserID: userID, Username: username, JTI: "jti-test", ExpiresAt: time.Now().Add(time.Hour)}
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestSendFriendRequestToSelf(t *testing.T) {
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_a", Username: username}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SendFriendRequest(context.Background(), testSession("usr_a", "alice"), "alice")
	assertDomainError(t, err, 400, "BAD_REQUEST")
}

func TestSendFriendRequestCreatesPending(t *testing.T) {
	var inserted store.Friendship
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_b", Username: username, Email: "bob@example.com"}, nil
		},
		insertFriendshipFn: func(_ context.Context, item store.Friendship) error {
			inserted = item
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.SendFriendRequest(context.Background(), testSession("usr_a", "alice"), "bob")
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if inserted.RequesterID != "usr_a" || inserted.AddresseeID != "usr_b" {
		t.Errorf("inserted friendship %+v", inserted)
	}
	if inserted.Status != "pending" {
		t.Errorf("status = %q, want pending", inserted.Status)
	}
	if payload["status"] != "pending" {
		t.Errorf("payload status = %v", payload["status"])
	}
}

func TestSendFriendRequestDuplicate(t *testing.T) {
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_b", Username: username}, nil
		},
		findFriendshipBetweenFn: func(context.Context, string, string) (store.Friendship, error) {
			return store.Friendship{ID: "frq_1", RequesterID: "usr_a", AddresseeID: "usr_b", Status: "pending"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SendFriendRequest(context.Background(), testSession("usr_a", "alice"), "bob")
	assertDomainError(t, err, 409, "FRIENDSHIP_EXISTS")
}

func TestSendFriendRequestAutoAccepts(t *testing.T) {
	var updatedStatus string
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_b", Username: username}, nil
		},
		findFriendshipBetweenFn: func(context.Context, string, string) (store.Friendship, error) {
			// Bob already asked Alice; Alice now asks Bob.
			return store.Friendship{ID: "frq_1", RequesterID: "usr_b", AddresseeID: "usr_a", Status: "pending"}, nil
		},
		updateFriendshipFn: func(_ context.Context, friendshipID, status string, _ time.Time) error {
			updatedStatus = status
			return nil
		},
		getFriendshipFn: func(context.Context, string) (store.Friendship, error) {
			return store.Friendship{ID: "frq_1", RequesterID: "usr_b", AddresseeID: "usr_a", Status: "accepted"}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.SendFriendRequest(context.Background(), testSession("usr_a", "alice"), "bob")
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if updatedStatus != "accepted" {
		t.Errorf("updated status = %q, want accepted", updatedStatus)
	}
	if payload["status"] != "accepted" {
		t.Errorf("payload status = %v", payload["status"])
	}
}

func TestSendFriendRequestAfterRejectionResets(t *testing.T) {
	var resetRequester, resetAddressee string
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_b", Username: username}, nil
		},
		findFriendshipBetweenFn: func(context.Context, string, string) (store.Friendship, error) {
			return store.Friendship{ID: "frq_1", RequesterID: "usr_b", AddresseeID: "usr_a", Status: "rejected"}, nil
		},
		resetFriendshipFn: func(_ context.Context, friendshipID, requesterID, addresseeID string, _ time.Time) error {
			resetRequester, resetAddressee = requesterID, addresseeID
			return nil
		},
		getFriendshipFn: func(context.Context, string) (store.Friendship, error) {
			return store.Friendship{ID: "frq_1", RequesterID: "usr_a", AddresseeID: "usr_b", Status: "pending"}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.SendFriendRequest(context.Background(), testSession("usr_a", "alice"), "bob")
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if resetRequester != "usr_a" || resetAddressee != "usr_b" {
		t.Errorf("reset pair = (%q, %q)", resetRequester, resetAddressee)
	}
	if payload["status"] != "pending" {
		t.Errorf("payload status = %v", payload["status"])
	}
}

func TestAnswerFriendshipRules(t *testing.T) {
	pending := store.Friendship{ID: "frq_1", RequesterID: "usr_a", AddresseeID: "usr_b", Status: "pending"}

	fs := &fakeStore{
		getFriendshipFn: func(context.Context, string) (store.Friendship, error) {
			return pending, nil
		},
	}
	svc := newTestService(fs)

	// Only the addressee may answer.
	_, err := svc.AcceptFriendship(context.Background(), testSession("usr_a", "alice"), "frq_1")
	assertDomainError(t, err, 403, "FORBIDDEN")

	payload, err := svc.AcceptFriendship(context.Background(), testSession("usr_b", "bob"), "frq_1")
	if err != nil {
		t.Fatalf("AcceptFriendship: %v", err)
	}
	if payload["status"] != "accepted" {
		t.Errorf("payload status = %v", payload["status"])
	}

	pending.Status = "accepted"
	_, err = svc.RejectFriendship(context.Background(), testSession("usr_b", "bob"), "frq_1")
	assertDomainError(t, err, 400, "BAD_REQUEST")
}

func TestDeleteFriendshipByEitherParty(t *testing.T) {
	var deleted []string
	friendship := store.Friendship{ID: "frq_1", RequesterID: "usr_a", AddresseeID: "usr_b", Status: "pending"}
	fs := &fakeStore{
		getFriendshipFn: func(context.Context, string) (store.Friendship, error) {
			return friendship, nil
		},
		deleteFriendshipFn: func(_ context.Context, friendshipID string) error {
			deleted = append(deleted, friendshipID)
			return nil
		},
	}
	svc := newTestService(fs)

	// The requester cancels their pending request.
	if err := svc.DeleteFriendship(context.Background(), testSession("usr_a", "alice"), "frq_1"); err != nil {
		t.Fatalf("delete by requester: %v", err)
	}

	// The addressee removes the accepted friendship.
	friendship.Status = "accepted"
	if err := svc.DeleteFriendship(context.Background(), testSession("usr_b", "bob"), "frq_1"); err != nil {
		t.Fatalf("delete by addressee: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "frq_1" || deleted[1] != "frq_1" {
		t.Errorf("deleted = %v", deleted)
	}

	err := svc.DeleteFriendship(context.Background(), testSession("usr_c", "carol"), "frq_1")
	assertDomainError(t, err, 403, "FORBIDDEN")
	if len(deleted) != 2 {
		t.Errorf("outsider delete went through: %v", deleted)
	}
}

func TestCreateOrGetConversationCanonicalOrder(t *testing.T) {
	var inserted store.Conversation
	fs := &fakeStore{
		areFriendsFn: func(context.Context, string, string) (bool, error) { return true, nil },
		insertConversationFn: func(_ context.Context, item store.Conversation) error {
			inserted = item
			return nil
		},
		conversationSummaryFn: func(_ context.Context, conversationID string) (store.ConversationSummary, error) {
			return store.ConversationSummary{Conversation: store.Conversation{ID: conversationID, User1ID: "usr_a", User2ID: "usr_b"}}, nil
		},
	}
	svc := newTestService(fs)

	// The session user sorts after the other user; user1 must still be the
	// lexicographically smaller id.
	_, err := svc.CreateOrGetConversation(context.Background(), testSession("usr_b", "bob"), "usr_a")
	if err != nil {
		t.Fatalf("CreateOrGetConversation: %v", err)
	}
	if inserted.User1ID != "usr_a" || inserted.User2ID != "usr_b" {
		t.Errorf("pair = (%q, %q), want (usr_a, usr_b)", inserted.User1ID, inserted.User2ID)
	}
}

func TestCreateOrGetConversationReturnsExisting(t *testing.T) {
	inserts := 0
	fs := &fakeStore{
		findConversationFn: func(context.Context, string, string) (store.Conversation, error) {
			return store.Conversation{ID: "cnv_1", User1ID: "usr_a", User2ID: "usr_b"}, nil
		},
		insertConversationFn: func(context.Context, store.Conversation) error {
			inserts++
			return nil
		},
		conversationSummaryFn: func(_ context.Context, conversationID string) (store.ConversationSummary, error) {
			return store.ConversationSummary{Conversation: store.Conversation{ID: conversationID}}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateOrGetConversation(context.Background(), testSession("usr_a", "alice"), "usr_b")
	if err != nil {
		t.Fatalf("CreateOrGetConversation: %v", err)
	}
	if payload["id"] != "cnv_1" {
		t.Errorf("id = %v, want cnv_1", payload["id"])
	}
	if inserts != 0 {
		t.Errorf("expected no insert, got %d", inserts)
	}
}

func TestCreateOrGetConversationRequiresFriendship(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs)

	_, err := svc.CreateOrGetConversation(context.Background(), testSession("usr_a", "alice"), "usr_b")
	assertDomainError(t, err, 400, "BAD_REQUEST")
}

func TestCreateOrGetConversationLostRace(t *testing.T) {
	calls := 0
	fs := &fakeStore{
		areFriendsFn: func(context.Context, string, string) (bool, error) { return true, nil },
		findConversationFn: func(context.Context, string, string) (store.Conversation, error) {
			calls++
			if calls == 1 {
				return store.Conversation{}, sql.ErrNoRows
			}
			return store.Conversation{ID: "cnv_winner", User1ID: "usr_a", User2ID: "usr_b"}, nil
		},
		insertConversationFn: func(context.Context, store.Conversation) error {
			return store.ErrConversationExists
		},
		conversationSummaryFn: func(_ context.Context, conversationID string) (store.ConversationSummary, error) {
			return store.ConversationSummary{Conversation: store.Conversation{ID: conversationID}}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreateOrGetConversation(context.Background(), testSession("usr_a", "alice"), "usr_b")
	if err != nil {
		t.Fatalf("CreateOrGetConversation: %v", err)
	}
	if payload["id"] != "cnv_winner" {
		t.Errorf("id = %v, want cnv_winner", payload["id"])
	}
}

func TestSendMessageRequiresExactlyOneTarget(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := testSession("usr_a", "alice")
	conversationID := "cnv_1"
	noteID := "note_1"

	_, err := svc.SendMessage(context.Background(), session, SendMessageInput{Content: "hi"})
	assertDomainError(t, err, 400, "BAD_REQUEST")

	_, err = svc.SendMessage(context.Background(), session, SendMessageInput{
		Content:        "hi",
		ConversationID: &conversationID,
		NoteID:         &noteID,
	})
	assertDomainError(t, err, 400, "BAD_REQUEST")

	_, err = svc.SendMessage(context.Background(), session, SendMessageInput{
		ConversationID: &conversationID,
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestSendMessageChatTouchesConversation(t *testing.T) {
	var inserted store.Message
	touched := false
	fs := &fakeStore{
		getConversationFn: func(context.Context, string) (store.Conversation, error) {
			return store.Conversation{ID: "cnv_1", User1ID: "usr_a", User2ID: "usr_b"}, nil
		},
		insertMessageFn: func(_ context.Context, item store.Message) error {
			inserted = item
			return nil
		},
		touchConversationFn: func(context.Context, string, time.Time) error {
			touched = true
			return nil
		},
	}
	svc := newTestService(fs)
	conversationID := "cnv_1"

	payload, err := svc.SendMessage(context.Background(), testSession("usr_a", "alice"), SendMessageInput{
		Content:        "  hello  ",
		ConversationID: &conversationID,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if inserted.Kind != store.MessageKindChat {
		t.Errorf("kind = %q", inserted.Kind)
	}
	if inserted.Content != "hello" {
		t.Errorf("content = %q, want trimmed", inserted.Content)
	}
	if !touched {
		t.Error("conversation was not touched")
	}
	if payload["senderUsername"] != "alice" {
		t.Errorf("senderUsername = %v", payload["senderUsername"])
	}
}

func TestSendMessageCommentSelectionValidation(t *testing.T) {
	fs := &fakeStore{
		getNoteAccessFn: func(context.Context, string, string) (store.NoteAccess, error) {
			return store.NoteAccess{
				Note:    store.Note{ID: "note_1", Content: "0123456789", UserID: "usr_b"},
				IsOwner: false,
				Shared:  true,
			}, nil
		},
	}
	svc := newTestService(fs)
	session := testSession("usr_a", "alice")
	noteID := "note_1"

	start, end := 2, 5
	if _, err := svc.SendMessage(context.Background(), session, SendMessageInput{
		Content: "typo here", NoteID: &noteID, SelectionStart: &start, SelectionEnd: &end,
	}); err != nil {
		t.Fatalf("valid selection rejected: %v", err)
	}

	_, err := svc.SendMessage(context.Background(), session, SendMessageInput{
		Content: "half a range", NoteID: &noteID, SelectionStart: &start,
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	big := 99
	_, err = svc.SendMessage(context.Background(), session, SendMessageInput{
		Content: "out of range", NoteID: &noteID, SelectionStart: &start, SelectionEnd: &big,
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	negative := -1
	_, err = svc.SendMessage(context.Background(), session, SendMessageInput{
		Content: "negative", NoteID: &noteID, SelectionStart: &negative, SelectionEnd: &end,
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestNoteCommentsIncludeShareNotices(t *testing.T) {
	conversationID := "cnv_1"
	noteID := "note_1"
	fs := &fakeStore{
		getNoteAccessFn: func(context.Context, string, string) (store.NoteAccess, error) {
			return store.NoteAccess{Note: store.Note{ID: noteID, UserID: "usr_b"}, Shared: true}, nil
		},
		listNoteCommentsFn: func(context.Context, string) ([]store.Message, error) {
			return []store.Message{
				{ID: "msg_1", Kind: store.MessageKindComment, Content: "typo in line 2", NoteID: &noteID},
				{ID: "msg_2", Kind: store.MessageKindShare, Content: "Shared a note: Ideas", ConversationID: &conversationID, NoteID: &noteID},
			}, nil
		},
	}
	svc := newTestService(fs)

	comments, err := svc.NoteComments(context.Background(), testSession("usr_a", "alice"), noteID)
	if err != nil {
		t.Fatalf("NoteComments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("len(comments) = %d, want 2", len(comments))
	}
	if comments[1]["kind"] != store.MessageKindShare {
		t.Errorf("share notice missing from comments: %v", comments[1])
	}
}

func TestGetMessageScoped(t *testing.T) {
	conversationID := "cnv_1"
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", Kind: store.MessageKindChat, Content: "hi", SenderID: "usr_a", ConversationID: &conversationID}, nil
		},
		getConversationFn: func(context.Context, string) (store.Conversation, error) {
			return store.Conversation{ID: conversationID, User1ID: "usr_a", User2ID: "usr_b"}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetMessage(context.Background(), testSession("usr_b", "bob"), "msg_1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if payload["id"] != "msg_1" {
		t.Errorf("id = %v", payload["id"])
	}

	_, err = svc.GetMessage(context.Background(), testSession("usr_c", "carol"), "msg_1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for a non-participant, got %v", err)
	}
}

func TestGetMessageNoteComment(t *testing.T) {
	noteID := "note_1"
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", Kind: store.MessageKindComment, Content: "hm", SenderID: "usr_b", NoteID: &noteID}, nil
		},
		getNoteAccessFn: func(_ context.Context, _, userID string) (store.NoteAccess, error) {
			return store.NoteAccess{
				Note:    store.Note{ID: noteID, UserID: "usr_a"},
				IsOwner: userID == "usr_a",
			}, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.GetMessage(context.Background(), testSession("usr_a", "alice"), "msg_1"); err != nil {
		t.Fatalf("GetMessage as owner: %v", err)
	}

	_, err := svc.GetMessage(context.Background(), testSession("usr_c", "carol"), "msg_1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows without note access, got %v", err)
	}
}

func TestShareNoteMessageCreatesReadShare(t *testing.T) {
	var insertedShare store.NoteShare
	var insertedMessage store.Message
	fs := &fakeStore{
		getNoteFn: func(context.Context, string) (store.Note, error) {
			return store.Note{ID: "note_1", Title: "Ideas", UserID: "usr_a"}, nil
		},
		getConversationFn: func(context.Context, string) (store.Conversation, error) {
			return store.Conversation{ID: "cnv_1", User1ID: "usr_a", User2ID: "usr_b"}, nil
		},
		insertNoteShareFn: func(_ context.Context, item store.NoteShare) error {
			insertedShare = item
			return nil
		},
		insertMessageFn: func(_ context.Context, item store.Message) error {
			insertedMessage = item
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ShareNoteMessage(context.Background(), testSession("usr_a", "alice"), ShareNoteMessageInput{
		ConversationID: "cnv_1",
		NoteID:         "note_1",
	})
	if err != nil {
		t.Fatalf("ShareNoteMessage: %v", err)
	}
	if insertedShare.UserID != "usr_b" || insertedShare.Permission != "read" {
		t.Errorf("share = %+v", insertedShare)
	}
	if insertedMessage.Kind != store.MessageKindShare {
		t.Errorf("message kind = %q", insertedMessage.Kind)
	}
	if insertedMessage.Content != "Shared a note: Ideas" {
		t.Errorf("message content = %q", insertedMessage.Content)
	}
	if insertedMessage.ConversationID == nil || insertedMessage.NoteID == nil {
		t.Error("share message must reference both the conversation and the note")
	}
	if payload["kind"] != store.MessageKindShare {
		t.Errorf("payload kind = %v", payload["kind"])
	}
}

func TestShareNoteMessageOwnerOnly(t *testing.T) {
	fs := &fakeStore{
		getNoteFn: func(context.Context, string) (store.Note, error) {
			return store.Note{ID: "note_1", Title: "Ideas", UserID: "usr_b"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ShareNoteMessage(context.Background(), testSession("usr_a", "alice"), ShareNoteMessageInput{
		ConversationID: "cnv_1",
		NoteID:         "note_1",
	})
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestUpdateFolderRejectsCycle(t *testing.T) {
	parent := "fld_child"
	fs := &fakeStore{
		getFolderFn: func(_ context.Context, folderID, _ string) (store.Folder, error) {
			return store.Folder{ID: folderID, Name: "x", UserID: "usr_a"}, nil
		},
		folderAncestorIDsFn: func(context.Context, string, string) ([]string, error) {
			// The proposed parent sits under the folder being moved.
			return []string{"fld_mid", "fld_root"}, nil
		},
	}
	svc := newTestService(fs)
	session := testSession("usr_a", "alice")

	self := "fld_root"
	err := svc.UpdateFolder(context.Background(), session, "fld_root", FolderInput{Name: "docs", ParentID: &self})
	assertDomainError(t, err, 400, "BAD_REQUEST")

	err = svc.UpdateFolder(context.Background(), session, "fld_root", FolderInput{Name: "docs", ParentID: &parent})
	assertDomainError(t, err, 400, "BAD_REQUEST")

	other := "fld_elsewhere"
	fs.folderAncestorIDsFn = func(context.Context, string, string) ([]string, error) {
		return nil, nil
	}
	if err := svc.UpdateFolder(context.Background(), session, "fld_root", FolderInput{Name: "docs", ParentID: &other}); err != nil {
		t.Fatalf("legal move rejected: %v", err)
	}
}

func TestRefreshReReadsUser(t *testing.T) {
	fs := &fakeStore{
		lookupRefreshFn: func(context.Context, string) (store.User, error) {
			// A Redis-backed session store only remembers the id.
			return store.User{ID: "usr_a"}, nil
		},
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Username: "alice", Email: "alice@example.com"}, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.Refresh(context.Background(), "rft_something")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if session.Username != "alice" {
		t.Errorf("username = %q, want alice", session.Username)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Error("expected fresh token pair")
	}
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Refresh(context.Background(), "rft_bogus")
	assertDomainError(t, err, 401, "INVALID_REFRESH_TOKEN")
}

func TestUpdateUserSelfOnly(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.UpdateUser(context.Background(), testSession("usr_a", "alice"), "usr_b", UpdateUserInput{Username: "mallory"})
	assertDomainError(t, err, 403, "FORBIDDEN")

	err = svc.DeleteUser(context.Background(), testSession("usr_a", "alice"), "usr_b")
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestChangePasswordVerifiesCurrent(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	var storedHash string
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Username: "alice", PasswordHash: string(hash)}, nil
		},
		updateUserPasswordFn: func(_ context.Context, _, passwordHash string) error {
			storedHash = passwordHash
			return nil
		},
	}
	svc := newTestService(fs)
	session := testSession("usr_a", "alice")

	err = svc.ChangePassword(context.Background(), session, "usr_b", ChangePasswordInput{CurrentPassword: "old-password", NewPassword: "new-password"})
	assertDomainError(t, err, 403, "FORBIDDEN")

	err = svc.ChangePassword(context.Background(), session, "usr_a", ChangePasswordInput{CurrentPassword: "wrong-password", NewPassword: "new-password"})
	assertDomainError(t, err, 401, "INVALID_CREDENTIALS")

	err = svc.ChangePassword(context.Background(), session, "usr_a", ChangePasswordInput{CurrentPassword: "old-password", NewPassword: "short"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	if err := svc.ChangePassword(context.Background(), session, "usr_a", ChangePasswordInput{CurrentPassword: "old-password", NewPassword: "new-password"}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if storedHash == "" || storedHash == string(hash) {
		t.Errorf("password hash was not replaced")
	}
	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte("new-password")) != nil {
		t.Errorf("stored hash does not match the new password")
	}
}

func TestCreateNoteValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := testSession("usr_a", "alice")

	_, err := svc.CreateNote(context.Background(), session, NoteInput{Title: "   "})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	missing := "fld_missing"
	_, err = svc.CreateNote(context.Background(), session, NoteInput{Title: "t", FolderID: &missing})
	assertDomainError(t, err, 400, "BAD_REQUEST")
}

func TestCreateNoteInitializesRepo(t *testing.T) {
	var inserted store.Note
	fs := &fakeStore{
		insertNoteFn: func(_ context.Context, item store.Note) error {
			inserted = item
			return nil
		},
	}
	svc := newTestService(fs)
	git := svc.git.(*fakeGit)

	payload, err := svc.CreateNote(context.Background(), testSession("usr_a", "alice"), NoteInput{Title: "Plans", Content: "# Plans"})
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	if inserted.UserID != "usr_a" {
		t.Errorf("owner = %q", inserted.UserID)
	}
	if len(git.ensuredNotes) != 1 || git.ensuredNotes[0] != inserted.ID {
		t.Errorf("repo not initialized for %q: %v", inserted.ID, git.ensuredNotes)
	}
	if payload["title"] != "Plans" {
		t.Errorf("payload title = %v", payload["title"])
	}
}

func TestUpdateNoteReadOnlyShare(t *testing.T) {
	fs := &fakeStore{
		getNoteAccessFn: func(context.Context, string, string) (store.NoteAccess, error) {
			return store.NoteAccess{
				Note:   store.Note{ID: "note_1", UserID: "usr_b"},
				Shared: true,
			}, nil
		},
		getNoteShareFn: func(context.Context, string, string) (store.NoteShare, error) {
			return store.NoteShare{Permission: "read"}, nil
		},
	}
	svc := newTestService(fs)

	err := svc.UpdateNote(context.Background(), testSession("usr_a", "alice"), "note_1", NoteInput{Title: "t"})
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestGetNoteHiddenWithoutAccess(t *testing.T) {
	fs := &fakeStore{
		getNoteAccessFn: func(context.Context, string, string) (store.NoteAccess, error) {
			return store.NoteAccess{Note: store.Note{ID: "note_1", UserID: "usr_b"}}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetNote(context.Background(), testSession("usr_a", "alice"), "note_1")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestShareNoteRequiresFriendship(t *testing.T) {
	fs := &fakeStore{
		getOwnedNoteFn: func(context.Context, string, string) (store.Note, error) {
			return store.Note{ID: "note_1", Title: "Ideas", UserID: "usr_a"}, nil
		},
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_b", Username: username}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ShareNote(context.Background(), testSession("usr_a", "alice"), "note_1", ShareNoteInput{Username: "bob"})
	assertDomainError(t, err, 400, "BAD_REQUEST")
}

func TestShareNotePermissionValidation(t *testing.T) {
	fs := &fakeStore{
		getOwnedNoteFn: func(context.Context, string, string) (store.Note, error) {
			return store.Note{ID: "note_1", UserID: "usr_a"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ShareNote(context.Background(), testSession("usr_a", "alice"), "note_1", ShareNoteInput{Username: "bob", Permission: "admin"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}
