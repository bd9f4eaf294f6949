package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/dirsync/internal/model"
	"github.com/and161185/dirsync/internal/repository"
)

type fakeAccounts struct {
	repository.AccountRepository
	list []model.Account
	err  error
}

func (f *fakeAccounts) List(context.Context) ([]model.Account, error) { return f.list, f.err }

type fakeGroups struct {
	repository.GroupRepository
	list []model.Group
}

func (f *fakeGroups) List(context.Context) ([]model.Group, error) { return f.list, nil }

type fakeReloader struct {
	calls int
	busy  bool
}

func (f *fakeReloader) ForceReload()            { f.calls++ }
func (f *fakeReloader) RefreshInProgress() bool { return f.busy }

func sample() ([]model.Account, []model.Group) {
	accounts := []model.Account{
		{ID: 1, Username: "Ann"},
		{ID: 2, Username: "bob", Deleted: true},
		{ID: 3, Username: "cid"},
	}
	groups := []model.Group{{ID: 10, Name: "devs", MemberIDs: []int64{1, 2, 3, 99}}}
	return accounts, groups
}

func TestSnapshot_Lookups(t *testing.T) {
	as, gs := sample()
	s := NewSnapshot(as, gs, time.Unix(1, 0))

	a, ok := s.User("ann")
	require.True(t, ok)
	require.Equal(t, int64(1), a.ID)

	a, ok = s.User("3")
	require.True(t, ok)
	require.Equal(t, "cid", a.Username)

	_, ok = s.User("nobody")
	require.False(t, ok)

	require.Equal(t, []int64{1, 3}, s.Groups()[0].MemberIDs)
	require.Equal(t, []string{"devs"}, s.GroupsOf(3))
	require.Empty(t, s.GroupsOf(2))
	require.True(t, s.Referenced(2))
	require.False(t, s.Referenced(5))
}

func TestSnapshot_IsolatedFromInputsAndCallers(t *testing.T) {
	as, gs := sample()
	s := NewSnapshot(as, gs, time.Now())
	as[0].Username = "mutated"
	gs[0].MemberIDs[0] = 42

	a, _ := s.UserByID(1)
	require.Equal(t, "Ann", a.Username)

	got := s.Groups()
	got[0].MemberIDs[0] = 7
	require.Equal(t, int64(1), s.Groups()[0].MemberIDs[0])
}

func TestCache_Load_Publishes(t *testing.T) {
	as, gs := sample()
	c := New(nil)
	require.Empty(t, c.GetAllUsers())

	_, err := c.Load(context.Background(), &fakeAccounts{list: as}, &fakeGroups{list: gs})
	require.NoError(t, err)
	require.Len(t, c.GetAllUsers(), 3)
	require.Len(t, c.GetAllGroups(), 1)

	_, err = c.Load(context.Background(), &fakeAccounts{err: errors.New("db")}, &fakeGroups{})
	require.Error(t, err)
	require.Len(t, c.GetAllUsers(), 3)
}

func TestCache_ReloaderDelegation(t *testing.T) {
	c := New(nil)
	c.ForceReload()
	require.False(t, c.IsRefreshInProgress())

	r := &fakeReloader{busy: true}
	c.Attach(r)
	c.ForceReload()
	require.Equal(t, 1, r.calls)
	require.True(t, c.IsRefreshInProgress())
}

func TestCache_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	c := New(nil)
	big := make([]model.Account, 50)
	for i := range big {
		big[i] = model.Account{ID: int64(i + 1), Username: "u" + string(rune('a'+i%26))}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := len(c.GetAllUsers())
				if n != 0 && n != 50 {
					t.Errorf("observed partial snapshot of %d", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		c.Publish(NewSnapshot(big, nil, time.Now()))
		c.Publish(NewSnapshot(nil, nil, time.Now()))
	}
	close(stop)
	wg.Wait()
}
